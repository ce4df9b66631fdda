package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/lyzr/flowmesh/internal/state"
)

// LoopConfig seeds a loop node's iteration list, either as a literal array
// or as a dotted path resolved against the current state document (spec
// §4.3 seeding).
type LoopConfig struct {
	Items     []interface{} `json:"items"`
	ItemsFrom string        `json:"items_from"`
}

// NewLoopFactory builds the core loop-seeding component: on its one entry
// per execution it resolves the item list and returns it as _loop for
// internal/coord.Scheduler.SeedLoop to pick up. Like switch, loop is a
// built-in node type rather than a pluggable domain component (spec §4.4
// places loop alongside switch/scheduler/worker, not among the external
// "what agent X does" components §1 excludes).
func NewLoopFactory() Factory {
	return func() Func {
		return func(ctx context.Context, s *state.State, config map[string]interface{}) (map[string]interface{}, error) {
			cfg, err := decodeLoopConfig(config)
			if err != nil {
				return nil, err
			}

			items := cfg.Items
			if cfg.ItemsFrom != "" {
				stateJSON, err := state.Marshal(s)
				if err != nil {
					return nil, fmt.Errorf("loop: marshal state: %w", err)
				}
				result := gjson.GetBytes(stateJSON, cfg.ItemsFrom)
				if !result.IsArray() {
					return nil, fmt.Errorf("loop: items_from %q did not resolve to an array", cfg.ItemsFrom)
				}
				items = make([]interface{}, 0, len(result.Array()))
				for _, v := range result.Array() {
					items = append(items, v.Value())
				}
			}

			return map[string]interface{}{
				"_loop": map[string]interface{}{"items": items},
			}, nil
		}
	}
}

func decodeLoopConfig(raw map[string]interface{}) (LoopConfig, error) {
	var cfg LoopConfig
	buf, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("loop: marshal config: %w", err)
	}
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("loop: decode config: %w", err)
	}
	return cfg, nil
}
