// Package subworkflow implements the parent/child execution bridge (spec
// §4.5): a subworkflow node creates a child execution, suspends, and is
// re-queued once the child finalizes. Grounded on the teacher's
// cmd/workflow-runner/executor/run_request_consumer.go pattern for
// creating a fresh run from a job, adapted to carry parent/child linkage.
package subworkflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lyzr/flowmesh/internal/store"
)

// Enqueuer is the minimal job-queue dependency this package needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, args map[string]interface{}) error
}

// JobStartExecution is the job type the child's start_execution job is
// enqueued as (consumed by internal/coord.Scheduler.StartExecution).
const JobStartExecution = "start_execution"

// Bridge creates child executions for the implicit sub-workflow mode.
type Bridge struct {
	store store.Store
	queue Enqueuer
}

// New creates a Bridge.
func New(st store.Store, q Enqueuer) *Bridge {
	return &Bridge{store: st, queue: q}
}

// CreateChildExecution creates a pending Execution row linked to its
// parent and enqueues its start_execution job (spec §4.5 "implicit" mode:
// target workflow looked up by id/slug, trigger payload built from
// input_mapping").
func (b *Bridge) CreateChildExecution(ctx context.Context, parentExecutionID, parentNodeID, childWorkflowID, userProfileID string, triggerPayload interface{}) (string, error) {
	childExecutionID := uuid.New().String()
	payloadRaw, err := json.Marshal(triggerPayload)
	if err != nil {
		return "", fmt.Errorf("subworkflow: marshal trigger payload: %w", err)
	}

	exec := &store.Execution{
		ExecutionID:       childExecutionID,
		WorkflowID:        childWorkflowID,
		ParentExecutionID: &parentExecutionID,
		ParentNodeID:      &parentNodeID,
		UserProfileID:     userProfileID,
		Status:            store.StatusPending,
		TriggerPayload:    payloadRaw,
	}
	if err := b.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("subworkflow: create child execution: %w", err)
	}
	if err := b.queue.Enqueue(ctx, JobStartExecution, map[string]interface{}{
		"execution_id": childExecutionID,
	}); err != nil {
		return "", fmt.Errorf("subworkflow: enqueue start_execution: %w", err)
	}
	return childExecutionID, nil
}

// BuildInputMapping resolves each dotted path in mapping against the
// parent's marshaled state, producing the child's trigger payload. An
// empty mapping means the default pass-through of state.trigger and
// state.node_outputs (spec §4.5 "Default mapping passes state.trigger and
// state.node_outputs").
func BuildInputMapping(parentStateJSON []byte, mapping map[string]string) map[string]interface{} {
	if len(mapping) == 0 {
		return map[string]interface{}{
			"trigger":      gjson.GetBytes(parentStateJSON, "trigger").Value(),
			"node_outputs": gjson.GetBytes(parentStateJSON, "node_outputs").Value(),
		}
	}
	out := make(map[string]interface{}, len(mapping))
	for targetKey, sourcePath := range mapping {
		out[targetKey] = gjson.GetBytes(parentStateJSON, sourcePath).Value()
	}
	return out
}
