package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTopologyJSON() []byte {
	return []byte(`{
		"workflow_slug": "refund-flow",
		"entry_node_ids": ["start"],
		"nodes": {
			"start": {"node_id": "start", "component_type": "http"},
			"fan_a": {"node_id": "fan_a", "component_type": "http"},
			"fan_b": {"node_id": "fan_b", "component_type": "http"},
			"join": {"node_id": "join", "component_type": "http"}
		},
		"edges_by_source": {
			"start": [
				{"source_node_id": "start", "target_node_id": "fan_a", "edge_type": "direct"},
				{"source_node_id": "start", "target_node_id": "fan_b", "edge_type": "direct"}
			],
			"fan_a": [{"source_node_id": "fan_a", "target_node_id": "join", "edge_type": "direct"}],
			"fan_b": [{"source_node_id": "fan_b", "target_node_id": "join", "edge_type": "direct"}]
		},
		"incoming_count": {"join": 2}
	}`)
}

func TestLoad_ValidTopology(t *testing.T) {
	topo, err := Load(sampleTopologyJSON())
	require.NoError(t, err)
	assert.Equal(t, "refund-flow", topo.WorkflowSlug)
	assert.True(t, topo.IsFanIn("join"))
	assert.False(t, topo.IsFanIn("fan_a"))
}

func TestLoad_RejectsAmbiguousCondition(t *testing.T) {
	raw := []byte(`{
		"nodes": {"a": {"node_id": "a"}, "b": {"node_id": "b"}},
		"edges_by_source": {
			"a": [{"source_node_id": "a", "target_node_id": "b", "edge_type": "conditional",
				"condition_value": "yes", "condition_mapping": {"yes": "b"}}]
		}
	}`)
	_, err := Load(raw)
	assert.True(t, errors.Is(err, ErrAmbiguousCondition))
}

func TestLoad_RejectsDanglingEdge(t *testing.T) {
	raw := []byte(`{
		"nodes": {"a": {"node_id": "a"}},
		"edges_by_source": {
			"a": [{"source_node_id": "a", "target_node_id": "nowhere", "edge_type": "direct"}]
		}
	}`)
	_, err := Load(raw)
	assert.True(t, errors.Is(err, ErrDanglingEdge))
}

func TestLoad_EndSentinelIsNotDangling(t *testing.T) {
	raw := []byte(`{
		"nodes": {"a": {"node_id": "a"}},
		"edges_by_source": {
			"a": [{"source_node_id": "a", "target_node_id": "__end__", "edge_type": "direct"}]
		}
	}`)
	_, err := Load(raw)
	require.NoError(t, err)
}

func TestAdvanceEdges_FiltersLoopAndSubComponentEdges(t *testing.T) {
	topo := &Topology{
		Nodes: map[string]Node{"a": {}, "b": {}, "c": {}, "d": {}},
		EdgesBySource: map[string][]Edge{
			"a": {
				{TargetNodeID: "b", EdgeType: EdgeTypeDirect},
				{TargetNodeID: "c", EdgeLabel: EdgeLabelLoopBody},
				{TargetNodeID: "d", EdgeLabel: EdgeLabelLLM},
			},
		},
	}
	edges := topo.AdvanceEdges("a")
	require.Len(t, edges, 1)
	assert.Equal(t, "b", edges[0].TargetNodeID)
}

func TestLoopOf(t *testing.T) {
	topo := &Topology{
		LoopBodyAllNodes: map[string][]string{"loop_1": {"body_a", "body_b"}},
	}
	loopID, ok := topo.LoopOf("body_a")
	assert.True(t, ok)
	assert.Equal(t, "loop_1", loopID)

	_, ok = topo.LoopOf("not_in_loop")
	assert.False(t, ok)
}

func TestRequiredLoopCompletions_PrefersExplicitReturnNodes(t *testing.T) {
	topo := &Topology{
		LoopReturnNodes: map[string][]string{"loop_1": {"r1", "r2"}},
		LoopBodies:      map[string][]string{"loop_1": {"b1", "b2", "b3"}},
	}
	assert.Equal(t, 2, topo.RequiredLoopCompletions("loop_1"))
}

func TestRequiredLoopCompletions_FallsBackToBodyCount(t *testing.T) {
	topo := &Topology{
		LoopBodies: map[string][]string{"loop_1": {"b1", "b2", "b3"}},
	}
	assert.Equal(t, 3, topo.RequiredLoopCompletions("loop_1"))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	topo, err := Load(sampleTopologyJSON())
	require.NoError(t, err)

	raw, err := Marshal(topo)
	require.NoError(t, err)

	restored, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, topo.WorkflowSlug, restored.WorkflowSlug)
	assert.Equal(t, topo.IncomingCount, restored.IncomingCount)
}

func TestApplyPatch_ProducesNewValidatedTopology(t *testing.T) {
	topo, err := Load(sampleTopologyJSON())
	require.NoError(t, err)

	patch := []byte(`[{"op": "replace", "path": "/workflow_slug", "value": "refund-flow-v2"}]`)
	next, err := ApplyPatch(topo, patch)
	require.NoError(t, err)

	assert.Equal(t, "refund-flow-v2", next.WorkflowSlug)
	assert.Equal(t, "refund-flow", topo.WorkflowSlug, "original topology must not be mutated")
}

func TestApplyPatch_RejectsPatchThatIntroducesDanglingEdge(t *testing.T) {
	topo, err := Load(sampleTopologyJSON())
	require.NoError(t, err)

	patch := []byte(`[{"op": "add", "path": "/edges_by_source/join", "value": [
		{"source_node_id": "join", "target_node_id": "ghost", "edge_type": "direct"}
	]}]`)
	_, err = ApplyPatch(topo, patch)
	assert.Error(t, err)
}
