// Package topology models the immutable per-execution snapshot of the graph
// (spec §3.4). It is built once by the external graph compiler and handed
// to the orchestrator as a value; this package never mutates a cached
// topology in place — ApplyPatch produces a replacement.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Sub-component edge labels are consumed by the component factory at
// invocation time and never traversed by the scheduler.
const (
	EdgeLabelLLM          = "llm"
	EdgeLabelTool         = "tool"
	EdgeLabelOutputParser = "output_parser"
	EdgeLabelLoopBody     = "loop_body"
	EdgeLabelLoopReturn   = "loop_return"
)

const (
	EdgeTypeDirect      = "direct"
	EdgeTypeConditional = "conditional"
)

// EndSentinel is the target id meaning "do not enqueue" (spec §4.1 step 3).
const EndSentinel = "__end__"

// ErrAmbiguousCondition is returned by Load when an edge sets both the
// legacy condition_mapping and the new condition_value representations
// (spec §9 Open Questions: "pick exactly one ... and reject the other").
var ErrAmbiguousCondition = errors.New("topology: edge sets both condition_value and condition_mapping")

// ErrDanglingEdge is returned by Load when an edge targets a node absent
// from the topology (spec §3.4 invariant).
var ErrDanglingEdge = errors.New("topology: edge targets a node not present in topology")

// Node is one scheduling unit in the topology.
type Node struct {
	NodeID            string `json:"node_id"`
	ComponentType     string `json:"component_type"`
	DBID              string `json:"db_id,omitempty"`
	ComponentConfigID string `json:"component_config_id,omitempty"`
	InterruptBefore   bool   `json:"interrupt_before"`
	InterruptAfter    bool   `json:"interrupt_after"`
}

// Edge is one edge in edges_by_source.
type Edge struct {
	SourceNodeID     string            `json:"source_node_id"`
	TargetNodeID     string            `json:"target_node_id"`
	EdgeType         string            `json:"edge_type"`
	EdgeLabel        string            `json:"edge_label"`
	ConditionValue   string            `json:"condition_value,omitempty"`
	ConditionMapping map[string]string `json:"condition_mapping,omitempty"`
	Priority         int               `json:"priority"`
}

// IsSubComponent reports whether this edge is consumed by the component
// factory rather than traversed by the scheduler.
func (e Edge) IsSubComponent() bool {
	switch e.EdgeLabel {
	case EdgeLabelLLM, EdgeLabelTool, EdgeLabelOutputParser:
		return true
	default:
		return false
	}
}

// Topology is the immutable per-execution graph snapshot.
type Topology struct {
	WorkflowSlug  string           `json:"workflow_slug"`
	EntryNodeIDs  []string         `json:"entry_node_ids"`
	Nodes         map[string]Node  `json:"nodes"`
	EdgesBySource map[string][]Edge `json:"edges_by_source"`
	IncomingCount map[string]int   `json:"incoming_count"`

	LoopBodies       map[string][]string `json:"loop_bodies"`
	LoopReturnNodes  map[string][]string `json:"loop_return_nodes"`
	LoopBodyAllNodes map[string][]string `json:"loop_body_all_nodes"`
}

// Load validates and returns a Topology built by the external compiler.
// It is the single point where the ambiguous-condition and dangling-edge
// invariants (spec §3.4, §9) are enforced.
func Load(raw []byte) (*Topology, error) {
	var t Topology
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("topology: decode: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) validate() error {
	for src, edges := range t.EdgesBySource {
		for _, e := range edges {
			if e.ConditionValue != "" && len(e.ConditionMapping) > 0 {
				return fmt.Errorf("%w: source=%s target=%s", ErrAmbiguousCondition, src, e.TargetNodeID)
			}
			if e.TargetNodeID == EndSentinel {
				continue
			}
			if _, ok := t.Nodes[e.TargetNodeID]; !ok {
				return fmt.Errorf("%w: source=%s target=%s", ErrDanglingEdge, src, e.TargetNodeID)
			}
		}
	}
	return nil
}

// IsFanIn reports whether nodeID requires waiting for more than one parent.
func (t *Topology) IsFanIn(nodeID string) bool {
	return t.IncomingCount[nodeID] > 1
}

// LoopOf returns the loop id that nodeID belongs to as a body node, if any.
func (t *Topology) LoopOf(nodeID string) (string, bool) {
	for loopID, nodes := range t.LoopBodyAllNodes {
		for _, n := range nodes {
			if n == nodeID {
				return loopID, true
			}
		}
	}
	return "", false
}

// RequiredLoopCompletions is the threshold a loop's per-iteration done
// counter must reach (len(loop_return_nodes) or, absent explicit return
// nodes, len(loop_bodies)) per spec §4.3 step 2.
func (t *Topology) RequiredLoopCompletions(loopID string) int {
	if returns, ok := t.LoopReturnNodes[loopID]; ok && len(returns) > 0 {
		return len(returns)
	}
	return len(t.LoopBodies[loopID])
}

// AdvanceEdges filters out loop_body/loop_return and sub-component edges,
// returning only the edges advance() traverses (spec §4.1 step 2).
func (t *Topology) AdvanceEdges(nodeID string) []Edge {
	edges := t.EdgesBySource[nodeID]
	filtered := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if e.EdgeLabel == EdgeLabelLoopBody || e.EdgeLabel == EdgeLabelLoopReturn {
			continue
		}
		if e.IsSubComponent() {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

// Marshal/Unmarshal round-trip a topology snapshot to/from the KV cache.
func Marshal(t *Topology) ([]byte, error) {
	return json.Marshal(t)
}

func Unmarshal(raw []byte) (*Topology, error) {
	var t Topology
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("topology: unmarshal: %w", err)
	}
	return &t, nil
}

// ApplyPatch replaces the cached topology wholesale by applying an RFC 6902
// patch document against the current snapshot's JSON, mirroring the
// teacher's patch-aware IR reload: a mid-flight graph edit never mutates
// the live Topology value, it produces a fresh one.
func ApplyPatch(current *Topology, patchDoc []byte) (*Topology, error) {
	currentJSON, err := Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("topology: marshal current: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("topology: decode patch: %w", err)
	}
	patched, err := patch.Apply(currentJSON)
	if err != nil {
		return nil, fmt.Errorf("topology: apply patch: %w", err)
	}
	next, err := Load(patched)
	if err != nil {
		return nil, fmt.Errorf("topology: validate patched topology: %w", err)
	}
	return next, nil
}
