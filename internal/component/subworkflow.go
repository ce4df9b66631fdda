package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/flowmesh/internal/state"
	"github.com/lyzr/flowmesh/internal/subworkflow"
)

// SubworkflowConfig names the target workflow and how to build its
// trigger payload from the parent's state (spec §4.5).
type SubworkflowConfig struct {
	WorkflowID   string            `json:"workflow_id"`
	InputMapping map[string]string `json:"input_mapping"`
}

// NewSubworkflowFactory builds the two-phase sub-workflow component (spec
// §4.5): the first call creates the child execution and signals a
// suspend via _subworkflow; once the child finalizes,
// Scheduler.resumeParentFromChild records its output in
// state.subworkflow_results and re-enqueues this node, whose second call
// finds the result already waiting and returns it as this node's output.
func NewSubworkflowFactory(bridge *subworkflow.Bridge) Factory {
	return func() Func {
		return func(ctx context.Context, s *state.State, config map[string]interface{}) (map[string]interface{}, error) {
			nodeID, _ := config["_node_id"].(string)
			userProfileID, _ := config["_user_profile_id"].(string)

			if result, ok := s.SubworkflowResults[nodeID]; ok {
				return map[string]interface{}{"output": result}, nil
			}

			cfg, err := decodeSubworkflowConfig(config)
			if err != nil {
				return nil, err
			}
			if cfg.WorkflowID == "" {
				return nil, fmt.Errorf("subworkflow: node %q config missing workflow_id", nodeID)
			}

			stateJSON, err := state.Marshal(s)
			if err != nil {
				return nil, fmt.Errorf("subworkflow: marshal state: %w", err)
			}
			trigger := subworkflow.BuildInputMapping(stateJSON, cfg.InputMapping)

			childExecutionID, err := bridge.CreateChildExecution(ctx, s.ExecutionID, nodeID, cfg.WorkflowID, userProfileID, trigger)
			if err != nil {
				return nil, fmt.Errorf("subworkflow: %w", err)
			}

			return map[string]interface{}{
				"_subworkflow": map[string]interface{}{
					"child_execution_id": childExecutionID,
				},
			}, nil
		}
	}
}

func decodeSubworkflowConfig(raw map[string]interface{}) (SubworkflowConfig, error) {
	var cfg SubworkflowConfig
	buf, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("subworkflow: marshal config: %w", err)
	}
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("subworkflow: decode config: %w", err)
	}
	return cfg, nil
}
