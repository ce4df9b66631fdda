package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/flowmesh/internal/condition"
	"github.com/lyzr/flowmesh/internal/state"
)

// SwitchConfig is the config shape a switch node carries: an ordered rule
// list plus whether an unmatched document routes to "__other__" (spec
// §4.4, internal/condition.MatchRules).
type SwitchConfig struct {
	Rules          []condition.Rule `json:"rules"`
	EnableFallback bool             `json:"enable_fallback"`
}

// NewSwitchFactory builds the core switch/branch component: it evaluates
// its rules against the current state and returns the matched rule id as
// _route, which the topology's conditional edges key on (spec §4.4).
// Switch is a built-in node type, not a pluggable domain component —
// spec.md §1 excludes "individual node component functions" from scope,
// but routing logic is core orchestrator behavior the way the teacher's
// ControlFlowRouter/BranchOperator treat it.
func NewSwitchFactory() Factory {
	return func() Func {
		return func(ctx context.Context, s *state.State, config map[string]interface{}) (map[string]interface{}, error) {
			cfg, err := decodeSwitchConfig(config)
			if err != nil {
				return nil, err
			}
			route, err := condition.MatchRules(s, cfg.Rules, cfg.EnableFallback)
			if err != nil {
				return nil, fmt.Errorf("switch: %w", err)
			}
			// No rule matched and fallback is disabled: the switch is a
			// sink (spec §4.4 "_route = \"\""), not a failure. Its
			// outgoing conditional edges simply don't fire and the
			// execution finalizes normally once inflight drains.
			return map[string]interface{}{"_route": route}, nil
		}
	}
}

func decodeSwitchConfig(raw map[string]interface{}) (SwitchConfig, error) {
	var cfg SwitchConfig
	buf, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("switch: marshal config: %w", err)
	}
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("switch: decode config: %w", err)
	}
	return cfg, nil
}
