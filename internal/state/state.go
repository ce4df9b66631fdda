// Package state models the per-execution mutable state blob (spec §3.3) as
// a typed struct instead of an untyped map, so no _state_patch code path
// can write the protected messages/node_outputs fields; a small denylist
// (protectedKeys) additionally keeps those names out of Extra.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one entry of the append-only conversation history.
type Message struct {
	Type             string                 `json:"type"`
	Content          string                 `json:"content"`
	AdditionalKwargs map[string]interface{} `json:"additional_kwargs,omitempty"`
}

// LoopCursor is the state.loop value while a loop node's body is running.
type LoopCursor struct {
	Index int           `json:"index"`
	Item  interface{}   `json:"item"`
	Items []interface{} `json:"items"`
}

// TokenUsage is the numeric-sum-merge _execution_token_usage bucket.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LLMCalls     int     `json:"llm_calls"`
}

// Add accumulates o into u (numeric sum merge per spec §3.3).
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
	u.CostUSD += o.CostUSD
	u.LLMCalls += o.LLMCalls
}

// State is the single JSON object per execution described in spec §3.3.
type State struct {
	ExecutionID string                 `json:"execution_id"`
	Messages    []Message              `json:"messages"`
	NodeOutputs map[string]interface{} `json:"node_outputs"`
	Trigger     interface{}            `json:"trigger,omitempty"`
	Route       string                 `json:"route,omitempty"`
	UserContext map[string]interface{} `json:"user_context,omitempty"`
	Loop        *LoopCursor            `json:"loop,omitempty"`

	SubworkflowResults map[string]interface{}            `json:"subworkflow_results,omitempty"`
	LoopErrors         map[string]map[string]interface{} `json:"loop_errors,omitempty"`
	TokenUsage         TokenUsage                        `json:"token_usage"`
	ResumeInput        string                             `json:"resume_input,omitempty"`

	// Extra holds _state_patch keys outside the fixed schema above. See
	// DESIGN.md "State's Extra bucket".
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// New builds the initial state for a fresh execution (spec §4.1 step 4).
func New(executionID string, trigger interface{}, userProfileID string) *State {
	s := &State{
		ExecutionID: executionID,
		Messages:    []Message{},
		NodeOutputs: map[string]interface{}{},
		Trigger:     trigger,
		UserContext: map[string]interface{}{"user_profile_id": userProfileID},
	}
	if text, ok := triggerText(trigger); ok && text != "" {
		s.Messages = append(s.Messages, Message{Type: "human", Content: text})
	}
	return s
}

func triggerText(trigger interface{}) (string, bool) {
	m, ok := trigger.(map[string]interface{})
	if !ok {
		return "", false
	}
	text, ok := m["text"].(string)
	return text, ok
}

// protectedKeys may never be written by a _state_patch; node_results is
// reserved by the spec alongside messages/node_outputs even though this
// implementation doesn't use it.
var protectedKeys = map[string]bool{
	"messages":     true,
	"node_outputs": true,
	"node_results": true,
}

// SubworkflowRequest is the _subworkflow signal from a component result.
type SubworkflowRequest struct {
	ChildExecutionID string            `json:"child_execution_id"`
	WorkflowSlug     string            `json:"workflow_slug,omitempty"`
	InputMapping     map[string]string `json:"input_mapping,omitempty"`
}

// LoopSeed is the _loop signal a loop node's component returns on first entry.
type LoopSeed struct {
	Items []interface{} `json:"items"`
}

// NodeResult is the parsed form of a component function's raw result map
// (spec §4.2.1). Legacy is true when the raw result carries its own
// "node_outputs" key and should be merged wholesale instead of split into
// typed fields.
type NodeResult struct {
	Legacy      bool
	LegacyRaw   map[string]interface{}
	Route       *string
	Messages    []Message
	StatePatch  map[string]interface{}
	DelaySeconds *int
	Subworkflow *SubworkflowRequest
	Loop        *LoopSeed
	LoopErrors  map[string]map[string]interface{}
	TokenUsage  *TokenUsage
	Output      map[string]interface{}
}

// IsEmpty reports whether the component returned nothing (spec §4.2.1:
// "Empty result ... produces no state change").
func IsEmpty(raw map[string]interface{}) bool {
	return len(raw) == 0
}

// ParseNodeResult classifies a component's raw result per §4.2.1.
func ParseNodeResult(raw map[string]interface{}) NodeResult {
	if _, ok := raw["node_outputs"]; ok {
		return NodeResult{Legacy: true, LegacyRaw: raw}
	}

	nr := NodeResult{Output: map[string]interface{}{}}
	if v, ok := raw["_route"].(string); ok {
		nr.Route = &v
	}
	if v, ok := raw["_messages"].([]interface{}); ok {
		nr.Messages = parseMessages(v)
	}
	if v, ok := raw["_state_patch"].(map[string]interface{}); ok {
		nr.StatePatch = v
	}
	if v, ok := raw["_delay_seconds"]; ok {
		if d, ok := toInt(v); ok {
			nr.DelaySeconds = &d
		}
	}
	if v, ok := raw["_subworkflow"].(map[string]interface{}); ok {
		nr.Subworkflow = parseSubworkflow(v)
	}
	if v, ok := raw["_loop"].(map[string]interface{}); ok {
		nr.Loop = parseLoopSeed(v)
	}
	if v, ok := raw["_loop_errors"].(map[string]interface{}); ok {
		nr.LoopErrors = parseLoopErrors(v)
	}
	if v, ok := raw["_execution_token_usage"].(map[string]interface{}); ok {
		tu := parseTokenUsage(v)
		nr.TokenUsage = &tu
	}
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		nr.Output[k] = v
	}
	return nr
}

func parseMessages(raw []interface{}) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		msg := Message{}
		if v, ok := m["type"].(string); ok {
			msg.Type = v
		}
		if v, ok := m["content"].(string); ok {
			msg.Content = v
		}
		if v, ok := m["additional_kwargs"].(map[string]interface{}); ok {
			msg.AdditionalKwargs = v
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func parseSubworkflow(raw map[string]interface{}) *SubworkflowRequest {
	req := &SubworkflowRequest{}
	if v, ok := raw["child_execution_id"].(string); ok {
		req.ChildExecutionID = v
	}
	if v, ok := raw["workflow_slug"].(string); ok {
		req.WorkflowSlug = v
	}
	if v, ok := raw["input_mapping"].(map[string]interface{}); ok {
		req.InputMapping = map[string]string{}
		for k, val := range v {
			if s, ok := val.(string); ok {
				req.InputMapping[k] = s
			}
		}
	}
	return req
}

func parseTokenUsage(raw map[string]interface{}) TokenUsage {
	var tu TokenUsage
	if v, ok := toInt(raw["input_tokens"]); ok {
		tu.InputTokens = v
	}
	if v, ok := toInt(raw["output_tokens"]); ok {
		tu.OutputTokens = v
	}
	if v, ok := toInt(raw["total_tokens"]); ok {
		tu.TotalTokens = v
	}
	if v, ok := toInt(raw["llm_calls"]); ok {
		tu.LLMCalls = v
	}
	if f, ok := raw["cost_usd"].(float64); ok {
		tu.CostUSD = f
	}
	return tu
}

func parseLoopSeed(raw map[string]interface{}) *LoopSeed {
	seed := &LoopSeed{}
	if v, ok := raw["items"].([]interface{}); ok {
		seed.Items = v
	}
	return seed
}

func parseLoopErrors(raw map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(raw))
	for loopID, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		out[loopID] = m
	}
	return out
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// ApplyResult applies a parsed NodeResult to s for nodeID per §4.2.1,
// returning the delay hint (if any) for the caller to pass into advance.
func ApplyResult(s *State, nodeID string, nr NodeResult) (*int, error) {
	if nr.Legacy {
		return applyLegacy(s, nodeID, nr.LegacyRaw)
	}

	if nr.Route != nil {
		s.Route = *nr.Route
	}
	if len(nr.Messages) > 0 {
		s.Messages = append(s.Messages, nr.Messages...)
	}
	if nr.StatePatch != nil {
		applyStatePatch(s, nr.StatePatch)
	}
	if len(nr.LoopErrors) > 0 {
		mergeLoopErrors(s, nr.LoopErrors)
	}
	if nr.TokenUsage != nil {
		s.TokenUsage.Add(*nr.TokenUsage)
	}
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]interface{}{}
	}
	s.NodeOutputs[nodeID] = nr.Output

	return nr.DelaySeconds, nil
}

// mergeLoopErrors dict-unions per-body-node error info into
// s.LoopErrors[loopID]. The bucket lives only until the owning loop's
// current iteration completes, when the scheduler captures it into the
// iteration's results and clears it.
func mergeLoopErrors(s *State, errs map[string]map[string]interface{}) {
	if s.LoopErrors == nil {
		s.LoopErrors = map[string]map[string]interface{}{}
	}
	for loopID, nodeErrs := range errs {
		if s.LoopErrors[loopID] == nil {
			s.LoopErrors[loopID] = map[string]interface{}{}
		}
		for node, info := range nodeErrs {
			s.LoopErrors[loopID][node] = info
		}
	}
}

// applyStatePatch sets known top-level keys and routes anything else into
// Extra. Protected keys have no case below and are skipped by the
// protectedKeys check, so they reach neither their fields nor Extra.
func applyStatePatch(s *State, patch map[string]interface{}) {
	for k, v := range patch {
		if protectedKeys[k] {
			continue
		}
		switch k {
		case "route":
			if str, ok := v.(string); ok {
				s.Route = str
			}
		case "trigger":
			s.Trigger = v
		case "user_context":
			if m, ok := v.(map[string]interface{}); ok {
				if s.UserContext == nil {
					s.UserContext = map[string]interface{}{}
				}
				for uk, uv := range m {
					s.UserContext[uk] = uv
				}
			}
		default:
			if s.Extra == nil {
				s.Extra = map[string]interface{}{}
			}
			s.Extra[k] = v
		}
	}
}

// applyLegacy merges a full legacy result (one that declares its own
// node_outputs) into state using the same typed merge rules (§3.3).
func applyLegacy(s *State, nodeID string, raw map[string]interface{}) (*int, error) {
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]interface{}{}
	}
	if outputs, ok := raw["node_outputs"].(map[string]interface{}); ok {
		for k, v := range outputs {
			s.NodeOutputs[k] = v
		}
	} else {
		return nil, fmt.Errorf("legacy result node_outputs is not an object")
	}
	if msgs, ok := raw["messages"].([]interface{}); ok {
		s.Messages = append(s.Messages, parseMessages(msgs)...)
	}
	if route, ok := raw["route"].(string); ok {
		s.Route = route
	}
	if uc, ok := raw["user_context"].(map[string]interface{}); ok {
		if s.UserContext == nil {
			s.UserContext = map[string]interface{}{}
		}
		for k, v := range uc {
			s.UserContext[k] = v
		}
	}

	if le, ok := raw["_loop_errors"].(map[string]interface{}); ok {
		mergeLoopErrors(s, parseLoopErrors(le))
	}

	if tu, ok := raw["_execution_token_usage"].(map[string]interface{}); ok {
		usage := parseTokenUsage(tu)
		s.TokenUsage.Add(usage)
	}

	var delay *int
	if v, ok := raw["_delay_seconds"]; ok {
		if d, ok := toInt(v); ok {
			delay = &d
		}
	}
	return delay, nil
}

// MergeNodeOutputs applies the fan-in-safe union merge used when a fan-in
// node's several parents have each written their own node_outputs slot
// (spec §3.3 "dict union, later writes replace same key"). Reading the
// current NodeOutputs is always enough because each node owns exactly one
// slot (spec §5 "at most one node writes node_outputs[node_id] at a time").
func (s *State) MergeNodeOutputs(extra map[string]interface{}) {
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]interface{}{}
	}
	for k, v := range extra {
		s.NodeOutputs[k] = v
	}
}

// ExtractFinalOutput implements the priority chain from spec §4.1 finalize
// step 1: state.output (if a node ever wrote one to Extra), else last AI
// message, else node_outputs, else last message.
func (s *State) ExtractFinalOutput() interface{} {
	if s.Extra != nil {
		if out, ok := s.Extra["output"]; ok {
			return out
		}
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Type == "ai" {
			return map[string]interface{}{"message": s.Messages[i].Content}
		}
	}
	if len(s.NodeOutputs) > 0 {
		return s.NodeOutputs
	}
	if len(s.Messages) > 0 {
		last := s.Messages[len(s.Messages)-1]
		return map[string]interface{}{"message": last.Content}
	}
	return nil
}

// Marshal/Unmarshal round-trip the state blob to/from the KV store.
func Marshal(s *State) ([]byte, error) {
	return json.Marshal(s)
}

func Unmarshal(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &s, nil
}
