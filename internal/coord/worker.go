package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowmesh/internal/budget"
	"github.com/lyzr/flowmesh/internal/component"
	"github.com/lyzr/flowmesh/internal/events"
	"github.com/lyzr/flowmesh/internal/ports"
	"github.com/lyzr/flowmesh/internal/state"
	"github.com/lyzr/flowmesh/internal/store"
	"github.com/lyzr/flowmesh/internal/topology"
)

// RetryPolicy controls how many times a failing node is retried and the
// backoff between attempts (spec §4.2.2).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) backoff(retryCount int) time.Duration {
	d := p.BaseDelay << retryCount
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Worker runs one node to completion and hands the result to Scheduler.
// Grounded on the teacher's cmd/workflow-runner job-handler shape, adapted
// to the component.Func seam and spec §4.2's 11-step sequence.
type Worker struct {
	scheduler   *Scheduler
	coord       *Coordinator
	store       store.Store
	registry    *component.Registry
	configs     ports.ConfigLoader
	budget      *budget.Checker
	events      *events.Bus
	logger      Logger
	nodeTimeout time.Duration
	retry       RetryPolicy
}

// NewWorker creates a Worker.
func NewWorker(scheduler *Scheduler, coord *Coordinator, st store.Store, registry *component.Registry, configs ports.ConfigLoader, budgetChecker *budget.Checker, bus *events.Bus, logger Logger, nodeTimeout time.Duration, retry RetryPolicy) *Worker {
	return &Worker{
		scheduler:   scheduler,
		coord:       coord,
		store:       st,
		registry:    registry,
		configs:     configs,
		budget:      budgetChecker,
		events:      bus,
		logger:      logger,
		nodeTimeout: nodeTimeout,
		retry:       retry,
	}
}

// ExecuteNodeJob runs one node: load context, resolve and invoke its
// component, apply the result to state, then hand off to the scheduler to
// route past it (spec §4.2).
func (w *Worker) ExecuteNodeJob(ctx context.Context, executionID, nodeID string, retryCount int) error {
	exec, err := w.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load execution: %w", err)
	}
	if exec.Status.IsTerminal() {
		// No inflight decrement here: every terminal transition runs
		// Cleanup synchronously, so the counter key is already gone by the
		// time a stale job for this execution is dequeued.
		w.logger.Debug("coord: execute_node_job on terminal execution, dropping", "execution_id", executionID, "node_id", nodeID)
		return nil
	}

	rawTopo, err := w.coord.LoadTopologyRaw(ctx, executionID)
	if err != nil {
		return w.fail(ctx, executionID, "failed to load topology: "+err.Error())
	}
	topo, err := topology.Unmarshal([]byte(rawTopo))
	if err != nil {
		return w.fail(ctx, executionID, "failed to parse topology: "+err.Error())
	}
	node, ok := topo.Nodes[nodeID]
	if !ok {
		return w.fail(ctx, executionID, fmt.Sprintf("node %q not present in topology", nodeID))
	}

	rawState, err := w.coord.LoadStateRaw(ctx, executionID)
	if err != nil {
		return w.fail(ctx, executionID, "failed to load state: "+err.Error())
	}
	st, err := state.Unmarshal([]byte(rawState))
	if err != nil {
		return w.fail(ctx, executionID, "failed to parse state: "+err.Error())
	}

	// interrupt_before: suspend ahead of the first attempt unless we're
	// already resuming one (a pending task for this node existing means a
	// human already confirmed and ResumeNode re-enqueued us).
	if node.InterruptBefore && retryCount == 0 {
		resuming, err := w.consumePendingTask(ctx, executionID, nodeID)
		if err != nil {
			return w.fail(ctx, executionID, "failed to check pending task: "+err.Error())
		}
		if !resuming {
			return w.suspendForInput(ctx, executionID, nodeID, "confirm to continue")
		}
	}

	fn, err := w.registry.Resolve(node.ComponentType)
	if err != nil {
		return w.fail(ctx, executionID, fmt.Sprintf("node %q: %s", nodeID, err.Error()))
	}

	config, err := w.configs.LoadNodeConfig(ctx, exec.WorkflowID, nodeID, node.ComponentConfigID)
	if err != nil {
		return w.fail(ctx, executionID, fmt.Sprintf("node %q: failed to load component config: %s", nodeID, err.Error()))
	}
	// The sub-workflow component needs its own node id and the owning
	// user's profile id to create a child execution; neither is otherwise
	// reachable from the Func seam, so the worker injects them.
	config["_node_id"] = nodeID
	config["_user_profile_id"] = exec.UserProfileID

	runCtx := ctx
	var cancel context.CancelFunc
	if w.nodeTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.nodeTimeout)
		defer cancel()
	}

	started := time.Now()
	result, runErr := fn(runCtx, st, config)
	duration := time.Since(started)

	if runErr != nil {
		return w.handleFailure(ctx, executionID, nodeID, retryCount, runErr, duration)
	}

	return w.handleSuccess(ctx, executionID, exec, node, topo, st, nodeID, result, duration)
}

func (w *Worker) handleSuccess(ctx context.Context, executionID string, exec *store.Execution, node topology.Node, topo *topology.Topology, st *state.State, nodeID string, result map[string]interface{}, duration time.Duration) error {
	outputRaw, _ := json.Marshal(result)
	_ = w.store.AppendLog(ctx, &store.ExecutionLog{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      "completed",
		DurationMS:  duration.Milliseconds(),
		StartedAt:   time.Now().Add(-duration),
		Output:      outputRaw,
	})

	nr := state.ParseNodeResult(result)
	delay, err := state.ApplyResult(st, nodeID, nr)
	if err != nil {
		return w.fail(ctx, executionID, fmt.Sprintf("node %q: failed to apply result: %s", nodeID, err.Error()))
	}
	// ResumeInput is one-shot: the component just consumed it for this
	// resumed attempt, so it must not leak into a later node's suspend.
	st.ResumeInput = ""

	episodeID := ""
	if exec.EpisodeID != nil {
		episodeID = *exec.EpisodeID
	}
	if reason, err := w.budget.CheckBudget(ctx, st, episodeID); err != nil {
		w.logger.Warn("coord: budget check failed, continuing", "execution_id", executionID, "error", err)
	} else if reason != "" {
		if err := w.persistState(ctx, executionID, st); err != nil {
			return err
		}
		return w.fail(ctx, executionID, reason)
	}

	if err := w.persistState(ctx, executionID, st); err != nil {
		return err
	}

	w.events.NodeStatus(ctx, executionID, topo.WorkflowSlug, events.NodeStatusPayload{
		NodeID:     nodeID,
		Status:     events.NodeStatusCompleted,
		DurationMS: duration.Milliseconds(),
		Output:     result,
	})

	if node.InterruptAfter {
		if suspended, err := w.maybeInterruptAfter(ctx, executionID, nodeID); err != nil {
			return err
		} else if suspended {
			return nil
		}
	}

	if nr.Subworkflow != nil {
		// The node's own inflight credit stays reserved until the child
		// finalizes and Scheduler.resumeParentFromChild re-enqueues it.
		w.logger.Debug("coord: node suspended awaiting sub-workflow", "execution_id", executionID, "node_id", nodeID, "child_execution_id", nr.Subworkflow.ChildExecutionID)
		return nil
	}

	if nr.Loop != nil {
		return w.scheduler.SeedLoop(ctx, executionID, nodeID, nr.Loop.Items, topo)
	}

	delaySeconds := 0
	if delay != nil {
		delaySeconds = *delay
	}
	return w.scheduler.Advance(ctx, executionID, nodeID, st, topo, delaySeconds)
}

func (w *Worker) handleFailure(ctx context.Context, executionID, nodeID string, retryCount int, runErr error, duration time.Duration) error {
	errMsg := runErr.Error()
	_ = w.store.AppendLog(ctx, &store.ExecutionLog{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      "failed",
		DurationMS:  duration.Milliseconds(),
		StartedAt:   time.Now().Add(-duration),
		Error:       &errMsg,
	})

	if retryCount < w.retry.MaxRetries {
		backoff := w.retry.backoff(retryCount)
		w.logger.Warn("coord: node failed, retrying", "execution_id", executionID, "node_id", nodeID, "retry_count", retryCount, "backoff", backoff, "error", runErr)
		return w.scheduler.enqueueNode(ctx, executionID, nodeID, retryCount+1, int(backoff.Seconds()))
	}

	w.logger.Error("coord: node failed, retries exhausted", "execution_id", executionID, "node_id", nodeID, "error", runErr)
	if err := w.fail(ctx, executionID, fmt.Sprintf("node %q failed after %d attempts: %s", nodeID, retryCount+1, errMsg)); err != nil {
		return err
	}
	return nil
}

// consumePendingTask deletes and reports whether a pending task already
// exists for (executionID, nodeID) — the signal that this call is a
// resume, not a fresh arrival at an interrupt point.
func (w *Worker) consumePendingTask(ctx context.Context, executionID, nodeID string) (bool, error) {
	task, err := w.store.GetPendingTask(ctx, executionID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if task.NodeID != nodeID {
		return false, nil
	}
	if err := w.store.DeletePendingTask(ctx, task.TaskID); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Worker) suspendForInput(ctx context.Context, executionID, nodeID, prompt string) error {
	task := &store.PendingTask{
		TaskID:      uuid.New().String(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Prompt:      prompt,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
	if err := w.store.CreatePendingTask(ctx, task); err != nil {
		return fmt.Errorf("coord: create pending task: %w", err)
	}
	if err := w.store.Transition(ctx, executionID, func(e *store.Execution) {
		e.Status = store.StatusInterrupted
	}); err != nil {
		return fmt.Errorf("coord: transition to interrupted: %w", err)
	}
	if _, err := w.coord.DecrementInflight(ctx, executionID); err != nil {
		w.logger.Error("coord: failed to decrement inflight on interrupt", "execution_id", executionID, "node_id", nodeID, "error", err)
	}
	w.events.Lifecycle(ctx, executionID, "", events.KindExecutionInterrupted, map[string]string{"node_id": nodeID})
	w.events.NodeStatus(ctx, executionID, "", events.NodeStatusPayload{NodeID: nodeID, Status: events.NodeStatusWaiting})
	return nil
}

func (w *Worker) maybeInterruptAfter(ctx context.Context, executionID, nodeID string) (bool, error) {
	resuming, err := w.consumePendingTask(ctx, executionID, nodeID)
	if err != nil {
		return false, fmt.Errorf("coord: check pending task: %w", err)
	}
	if resuming {
		if err := w.store.Transition(ctx, executionID, func(e *store.Execution) {
			e.Status = store.StatusRunning
		}); err != nil {
			return false, fmt.Errorf("coord: transition back to running: %w", err)
		}
		return false, nil
	}
	if err := w.suspendForInput(ctx, executionID, nodeID, "review output before continuing"); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Worker) persistState(ctx context.Context, executionID string, st *state.State) error {
	raw, err := state.Marshal(st)
	if err != nil {
		return fmt.Errorf("coord: marshal state: %w", err)
	}
	if err := w.coord.StoreState(ctx, executionID, raw); err != nil {
		return fmt.Errorf("coord: store state: %w", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, executionID, reason string) error {
	now := time.Now()
	if err := w.store.Transition(ctx, executionID, func(e *store.Execution) {
		e.Status = store.StatusFailed
		e.CompletedAt = &now
		e.ErrorMessage = &reason
	}); err != nil {
		return fmt.Errorf("coord: mark execution failed: %w", err)
	}
	if _, err := w.coord.DecrementInflight(ctx, executionID); err != nil {
		w.logger.Error("coord: failed to decrement inflight on failure", "execution_id", executionID, "error", err)
	}
	w.events.Lifecycle(ctx, executionID, "", events.KindExecutionFailed, map[string]string{"reason": reason})
	if err := w.coord.Cleanup(ctx, executionID); err != nil {
		w.logger.Error("coord: cleanup after failure failed", "execution_id", executionID, "error", err)
	}
	return nil
}
