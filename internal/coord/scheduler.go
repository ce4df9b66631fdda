package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/flowmesh/internal/events"
	"github.com/lyzr/flowmesh/internal/ports"
	"github.com/lyzr/flowmesh/internal/state"
	"github.com/lyzr/flowmesh/internal/store"
	"github.com/lyzr/flowmesh/internal/topology"
)

// JobExecuteNode is the job type a scheduled node run is enqueued as.
const JobExecuteNode = "execute_node_job"

// Enqueuer is the job-queue dependency the Scheduler needs, satisfied by
// internal/queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, args map[string]interface{}) error
	EnqueueIn(ctx context.Context, delay time.Duration, jobType string, args map[string]interface{}) error
}

// Scheduler implements the graph-walking half of the orchestrator: start,
// advance, finalize (spec §4.1). It is grounded on the teacher's
// cmd/workflow-runner/coordinator.Coordinator.handleCompletion sequence,
// generalized from a single-edge-type graph to spec's fan-in/loop/
// conditional-edge topology.
type Scheduler struct {
	coord    *Coordinator
	store    store.Store
	queue    Enqueuer
	events   *events.Bus
	topology ports.TopologyBuilder
	logger   Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(coord *Coordinator, st store.Store, q Enqueuer, bus *events.Bus, tb ports.TopologyBuilder, logger Logger) *Scheduler {
	return &Scheduler{coord: coord, store: st, queue: q, events: bus, topology: tb, logger: logger}
}

// StartExecution compiles the topology, seeds state, and enqueues every
// entry node (spec §4.1 start_execution).
func (s *Scheduler) StartExecution(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load execution: %w", err)
	}
	if exec.Status != store.StatusPending {
		s.logger.Debug("coord: start_execution called on non-pending execution, ignoring", "execution_id", executionID, "status", exec.Status)
		return nil
	}

	topo, err := s.topology.Build(ctx, exec.WorkflowID, exec.TriggerNodeID)
	if err != nil {
		s.failExecution(ctx, exec, "workflow not found or failed to compile: "+err.Error())
		return nil
	}

	rawTopo, err := topology.Marshal(topo)
	if err != nil {
		s.failExecution(ctx, exec, "failed to serialize topology: "+err.Error())
		return nil
	}
	if err := s.coord.StoreTopology(ctx, executionID, rawTopo); err != nil {
		return fmt.Errorf("coord: store topology: %w", err)
	}

	var trigger interface{}
	if len(exec.TriggerPayload) > 0 {
		if err := json.Unmarshal(exec.TriggerPayload, &trigger); err != nil {
			s.logger.Warn("coord: failed to unmarshal trigger payload, starting with nil trigger", "execution_id", executionID, "error", err)
		}
	}
	st := state.New(executionID, trigger, exec.UserProfileID)
	rawState, err := state.Marshal(st)
	if err != nil {
		return fmt.Errorf("coord: marshal initial state: %w", err)
	}
	if err := s.coord.StoreState(ctx, executionID, rawState); err != nil {
		return fmt.Errorf("coord: store initial state: %w", err)
	}

	now := time.Now()
	if err := s.store.Transition(ctx, executionID, func(e *store.Execution) {
		e.Status = store.StatusRunning
		e.StartedAt = &now
	}); err != nil {
		return fmt.Errorf("coord: transition to running: %w", err)
	}

	s.events.Lifecycle(ctx, executionID, topo.WorkflowSlug, events.KindExecutionStarted, nil)

	// Starting a memory episode here, if one is configured for the
	// workflow, is best-effort and out of scope for this core: episode_id
	// is treated as an opaque handle set on the Execution row elsewhere.

	for _, nodeID := range topo.EntryNodeIDs {
		if _, err := s.coord.IncrementInflight(ctx, executionID); err != nil {
			s.logger.Error("coord: failed to increment inflight for entry node", "execution_id", executionID, "node_id", nodeID, "error", err)
			continue
		}
		if err := s.enqueueNode(ctx, executionID, nodeID, 0, 0); err != nil {
			s.logger.Error("coord: failed to enqueue entry node", "execution_id", executionID, "node_id", nodeID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) enqueueNode(ctx context.Context, executionID, nodeID string, retryCount, delaySeconds int) error {
	args := map[string]interface{}{
		"execution_id": executionID,
		"node_id":      nodeID,
		"retry_count":  retryCount,
	}
	if delaySeconds > 0 {
		return s.queue.EnqueueIn(ctx, time.Duration(delaySeconds)*time.Second, JobExecuteNode, args)
	}
	return s.queue.Enqueue(ctx, JobExecuteNode, args)
}

func (s *Scheduler) failExecution(ctx context.Context, exec *store.Execution, reason string) {
	now := time.Now()
	if err := s.store.Transition(ctx, exec.ExecutionID, func(e *store.Execution) {
		e.Status = store.StatusFailed
		e.CompletedAt = &now
		e.ErrorMessage = &reason
	}); err != nil {
		s.logger.Error("coord: failed to mark execution failed", "execution_id", exec.ExecutionID, "error", err)
	}
	s.events.Lifecycle(ctx, exec.ExecutionID, "", events.KindExecutionFailed, map[string]string{"reason": reason})
	if err := s.coord.Cleanup(ctx, exec.ExecutionID); err != nil {
		s.logger.Error("coord: cleanup after start_execution failure failed", "execution_id", exec.ExecutionID, "error", err)
	}
}

// Advance routes an execution past a just-completed node: the idempotence
// guard, loop-body bookkeeping, fan-in/fan-out, and inflight zero check
// that decides whether to finalize (spec §4.1 advance, §4.3, §8).
// delaySeconds, if non-zero, is the _delay_seconds a component result
// requested (spec §4.2.1): every node this advance enqueues is delayed by
// that amount.
func (s *Scheduler) Advance(ctx context.Context, executionID, fromNodeID string, st *state.State, topo *topology.Topology, delaySeconds int) error {
	// Loop-body node ids repeat across iterations, so the idempotence guard
	// must key on (node_id, iteration) for them rather than bare node_id —
	// otherwise iteration 2 of a reused body node id would be dropped as a
	// duplicate of iteration 1.
	completionKey := fromNodeID
	loopID, isLoopBody := topo.LoopOf(fromNodeID)
	if isLoopBody {
		if lc, ok, err := s.coord.LoadLoopContext(ctx, executionID, loopID); err == nil && ok {
			completionKey = fmt.Sprintf("%s#%d", fromNodeID, lc.Index)
		}
	}

	newlyMarked, err := s.coord.MarkCompleted(ctx, executionID, completionKey)
	if err != nil {
		return fmt.Errorf("coord: mark completed: %w", err)
	}
	if !newlyMarked {
		s.logger.Debug("coord: duplicate advance ignored", "execution_id", executionID, "node_id", fromNodeID)
		return nil
	}

	if isLoopBody {
		return s.advanceLoopBody(ctx, executionID, loopID, fromNodeID, st, topo)
	}

	targets, err := s.resolveTargets(st, topo, fromNodeID)
	if err != nil {
		return err
	}
	if err := s.enqueueTargets(ctx, executionID, topo, targets, delaySeconds); err != nil {
		return err
	}
	return s.decrementAndMaybeFinalize(ctx, executionID)
}

// resolveTargets applies one node's outbound edges against the current
// route to the set of node ids advance() should enqueue next (spec §4.1
// step 2, §4.4).
func (s *Scheduler) resolveTargets(st *state.State, topo *topology.Topology, fromNodeID string) ([]string, error) {
	var targets []string
	for _, e := range topo.AdvanceEdges(fromNodeID) {
		var target string
		switch e.EdgeType {
		case topology.EdgeTypeDirect:
			target = e.TargetNodeID
		case topology.EdgeTypeConditional:
			if len(e.ConditionMapping) > 0 {
				mapped, ok := e.ConditionMapping[st.Route]
				if !ok {
					continue
				}
				target = mapped
			} else {
				if e.ConditionValue != st.Route {
					continue
				}
				target = e.TargetNodeID
			}
		default:
			return nil, fmt.Errorf("coord: unknown edge type %q from node %q", e.EdgeType, fromNodeID)
		}
		if target == "" || target == topology.EndSentinel {
			continue
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// enqueueTargets increments inflight (and, for fan-in nodes, the arrival
// counter) before enqueuing each target, so a job dequeued before the
// counter write completes can never observe it absent (spec §5).
func (s *Scheduler) enqueueTargets(ctx context.Context, executionID string, topo *topology.Topology, targets []string, delaySeconds int) error {
	for _, target := range targets {
		if topo.IsFanIn(target) {
			n, err := s.coord.IncrementFanIn(ctx, executionID, target)
			if err != nil {
				return err
			}
			if int(n) < topo.IncomingCount[target] {
				continue
			}
			if err := s.coord.ResetFanIn(ctx, executionID, target); err != nil {
				s.logger.Warn("coord: failed to reset fan-in counter", "execution_id", executionID, "node_id", target, "error", err)
			}
		}
		if _, err := s.coord.IncrementInflight(ctx, executionID); err != nil {
			return err
		}
		if err := s.enqueueNode(ctx, executionID, target, 0, delaySeconds); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) decrementAndMaybeFinalize(ctx context.Context, executionID string) error {
	n, err := s.coord.DecrementInflight(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: decrement inflight: %w", err)
	}
	if n <= 0 {
		return s.Finalize(ctx, executionID)
	}
	return nil
}

// Finalize persists the terminal Execution row, fires the completion
// event, resumes a waiting parent if this was a sub-workflow child, and
// always runs cleanup exactly once (spec §4.1 finalize, §8 testable
// property 2).
func (s *Scheduler) Finalize(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load execution for finalize: %w", err)
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	defer func() {
		if err := s.coord.Cleanup(ctx, executionID); err != nil {
			s.logger.Error("coord: cleanup at finalize failed", "execution_id", executionID, "error", err)
		}
	}()

	rawState, err := s.coord.LoadStateRaw(ctx, executionID)
	if err != nil {
		s.failFinalize(ctx, executionID, "finalization error: failed to load state: "+err.Error())
		return nil
	}
	st, err := state.Unmarshal([]byte(rawState))
	if err != nil {
		s.failFinalize(ctx, executionID, "finalization error: failed to parse state: "+err.Error())
		return nil
	}

	finalOutput := st.ExtractFinalOutput()
	outputRaw, err := json.Marshal(finalOutput)
	if err != nil {
		outputRaw = json.RawMessage("null")
	}

	now := time.Now()
	if err := s.store.Transition(ctx, executionID, func(e *store.Execution) {
		e.Status = store.StatusCompleted
		e.CompletedAt = &now
		e.FinalOutput = outputRaw
		e.TotalInputTokens = st.TokenUsage.InputTokens
		e.TotalOutputTokens = st.TokenUsage.OutputTokens
		e.TotalTokens = st.TokenUsage.TotalTokens
		e.TotalCostUSD = st.TokenUsage.CostUSD
		e.LLMCalls = st.TokenUsage.LLMCalls
	}); err != nil {
		s.failFinalize(ctx, executionID, "finalization error: "+err.Error())
		return nil
	}

	s.events.Lifecycle(ctx, executionID, "", events.KindExecutionCompleted, map[string]interface{}{"final_output": finalOutput})

	// Delivery of the final output to a workflow-declared external channel
	// is out of scope (spec.md §1); the completion event above is the
	// hand-off point a delivery component would subscribe to.

	if exec.ParentExecutionID != nil && exec.ParentNodeID != nil {
		if err := s.resumeParentFromChild(ctx, *exec.ParentExecutionID, *exec.ParentNodeID, finalOutput); err != nil {
			s.logger.Error("coord: failed to resume parent from child completion", "child_execution_id", executionID, "parent_execution_id", *exec.ParentExecutionID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) failFinalize(ctx context.Context, executionID, reason string) {
	now := time.Now()
	if err := s.store.Transition(ctx, executionID, func(e *store.Execution) {
		e.Status = store.StatusFailed
		e.CompletedAt = &now
		e.ErrorMessage = &reason
	}); err != nil {
		s.logger.Error("coord: failed to mark execution failed after finalize error", "execution_id", executionID, "error", err)
		return
	}
	s.events.Lifecycle(ctx, executionID, "", events.KindExecutionFailed, map[string]string{"reason": reason})
}

// resumeParentFromChild implements the back half of the sub-workflow
// bridge (spec §4.5): it writes the child's output into the parent's
// state.subworkflow_results and re-enqueues the parent's suspended node,
// bumping inflight first so a concurrent zombie sweep never sees it as
// idle.
func (s *Scheduler) resumeParentFromChild(ctx context.Context, parentExecutionID, parentNodeID string, childOutput interface{}) error {
	rawState, err := s.coord.LoadStateRaw(ctx, parentExecutionID)
	if err != nil {
		return fmt.Errorf("coord: load parent state: %w", err)
	}
	parentState, err := state.Unmarshal([]byte(rawState))
	if err != nil {
		return fmt.Errorf("coord: unmarshal parent state: %w", err)
	}
	if parentState.SubworkflowResults == nil {
		parentState.SubworkflowResults = make(map[string]interface{})
	}
	parentState.SubworkflowResults[parentNodeID] = childOutput

	newRaw, err := state.Marshal(parentState)
	if err != nil {
		return fmt.Errorf("coord: marshal parent state: %w", err)
	}
	if err := s.coord.StoreState(ctx, parentExecutionID, newRaw); err != nil {
		return fmt.Errorf("coord: store parent state: %w", err)
	}
	if _, err := s.coord.IncrementInflight(ctx, parentExecutionID); err != nil {
		return fmt.Errorf("coord: increment parent inflight: %w", err)
	}
	if err := s.enqueueNode(ctx, parentExecutionID, parentNodeID, 0, 0); err != nil {
		return fmt.Errorf("coord: enqueue parent resume: %w", err)
	}
	return nil
}

// PatchTopology applies an RFC 6902 patch document against a live
// execution's cached topology and re-caches the validated result
// wholesale — the cached snapshot is replaced, never mutated in place.
// Node jobs dequeued after the swap advance against the patched graph;
// jobs already holding the old snapshot finish against it.
func (s *Scheduler) PatchTopology(ctx context.Context, executionID string, patchDoc []byte) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load execution: %w", err)
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("coord: cannot patch topology of terminal execution %s", executionID)
	}

	raw, err := s.coord.LoadTopologyRaw(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load topology for patch: %w", err)
	}
	current, err := topology.Unmarshal([]byte(raw))
	if err != nil {
		return fmt.Errorf("coord: parse topology for patch: %w", err)
	}
	next, err := topology.ApplyPatch(current, patchDoc)
	if err != nil {
		return err
	}
	nextRaw, err := topology.Marshal(next)
	if err != nil {
		return fmt.Errorf("coord: marshal patched topology: %w", err)
	}
	if err := s.coord.StoreTopology(ctx, executionID, nextRaw); err != nil {
		return err
	}
	s.logger.Info("coord: topology patched", "execution_id", executionID)
	return nil
}

// Cleanup exposes coordination-key cleanup directly for callers (recovery)
// that transition an execution to a terminal status through a path other
// than Finalize, and so need cleanup without Finalize's terminal-status
// short-circuit or state-dependent finalization logic.
func (s *Scheduler) Cleanup(ctx context.Context, executionID string) error {
	return s.coord.Cleanup(ctx, executionID)
}

// ResumeNode looks up the execution's pending human-in-the-loop task,
// writes userInput into state as ResumeInput, and re-enqueues the node the
// task was suspended on (spec §4.1 resume_node(exec_id, user_input)). It
// no-ops if there is no pending task, rather than guessing which node to
// resume.
func (s *Scheduler) ResumeNode(ctx context.Context, executionID, userInput string) error {
	task, err := s.store.GetPendingTask(ctx, executionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("coord: load pending task: %w", err)
	}
	nodeID := task.NodeID

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load execution: %w", err)
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("coord: cannot resume node on terminal execution %s", executionID)
	}

	rawState, err := s.coord.LoadStateRaw(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load state on resume: %w", err)
	}
	st, err := state.Unmarshal([]byte(rawState))
	if err != nil {
		return fmt.Errorf("coord: unmarshal state on resume: %w", err)
	}
	st.ResumeInput = userInput
	newRaw, err := state.Marshal(st)
	if err != nil {
		return fmt.Errorf("coord: marshal state on resume: %w", err)
	}
	if err := s.coord.StoreState(ctx, executionID, newRaw); err != nil {
		return fmt.Errorf("coord: store state on resume: %w", err)
	}

	if err := s.store.Transition(ctx, executionID, func(e *store.Execution) {
		e.Status = store.StatusRunning
	}); err != nil {
		return fmt.Errorf("coord: transition to running on resume: %w", err)
	}
	if _, err := s.coord.IncrementInflight(ctx, executionID); err != nil {
		return fmt.Errorf("coord: increment inflight on resume: %w", err)
	}
	if err := s.enqueueNode(ctx, executionID, nodeID, 0, 0); err != nil {
		return fmt.Errorf("coord: enqueue resume: %w", err)
	}
	return nil
}
