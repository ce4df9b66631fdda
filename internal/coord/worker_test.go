package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowmesh/internal/budget"
	"github.com/lyzr/flowmesh/internal/component"
	"github.com/lyzr/flowmesh/internal/events"
	"github.com/lyzr/flowmesh/internal/state"
	"github.com/lyzr/flowmesh/internal/store"
	"github.com/lyzr/flowmesh/internal/topology"
)

type fakeConfigLoader struct{}

func (fakeConfigLoader) LoadNodeConfig(ctx context.Context, workflowID, nodeID, componentConfigID string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func newTestWorker(t *testing.T, registry *component.Registry) (*Worker, *Scheduler, *fakeSchedStore, *fakeEnqueuer, *Coordinator) {
	t.Helper()
	s, st, q, coordinator := newTestScheduler(t)
	checker := budget.New(budget.Limits{}, st, &testLogger{t: t})
	bus := events.New(coordinator, &testLogger{t: t})
	w := NewWorker(s, coordinator, st, registry, fakeConfigLoader{}, checker, bus, &testLogger{t: t}, 0, RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	return w, s, st, q, coordinator
}

func seedRunningExecution(t *testing.T, s *Scheduler, st *fakeSchedStore, coordinator *Coordinator, executionID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		ExecutionID:   executionID,
		WorkflowID:    "wf-1",
		UserProfileID: "user-1",
		Status:        store.StatusPending,
	}))
	require.NoError(t, s.StartExecution(ctx, executionID))
}

func TestExecuteNodeJob_SuccessAdvancesPastNode(t *testing.T) {
	registry := component.NewRegistry()
	registry.Register("http", func() component.Func {
		return func(ctx context.Context, s *state.State, config map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		}
	})

	w, s, st, q, coordinator := newTestWorker(t, registry)
	ctx := context.Background()
	seedRunningExecution(t, s, st, coordinator, "exec-1")
	q.jobs = nil

	require.NoError(t, w.ExecuteNodeJob(ctx, "exec-1", "start", 0))

	assert.Equal(t, 1, q.count(), "a successful start node should advance to end")
}

func TestExecuteNodeJob_FailureRetriesUntilExhausted(t *testing.T) {
	registry := component.NewRegistry()
	attempts := 0
	registry.Register("http", func() component.Func {
		return func(ctx context.Context, s *state.State, config map[string]interface{}) (map[string]interface{}, error) {
			attempts++
			return nil, errors.New("boom")
		}
	})

	w, s, st, q, coordinator := newTestWorker(t, registry)
	ctx := context.Background()
	seedRunningExecution(t, s, st, coordinator, "exec-1")
	q.jobs = nil

	require.NoError(t, w.ExecuteNodeJob(ctx, "exec-1", "start", 0))
	assert.Equal(t, 1, q.count(), "first failure should retry")

	require.NoError(t, w.ExecuteNodeJob(ctx, "exec-1", "start", 1))

	exec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status, "retries exhausted should fail the execution")
}

func TestExecuteNodeJob_TerminalExecutionIsDropped(t *testing.T) {
	registry := component.NewRegistry()
	w, _, st, _, _ := newTestWorker(t, registry)
	ctx := context.Background()

	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      store.StatusCompleted,
	}))

	assert.NoError(t, w.ExecuteNodeJob(ctx, "exec-1", "start", 0))
}

func TestExecuteNodeJob_UnknownComponentFailsExecution(t *testing.T) {
	registry := component.NewRegistry()
	w, s, st, _, coordinator := newTestWorker(t, registry)
	ctx := context.Background()
	seedRunningExecution(t, s, st, coordinator, "exec-1")

	require.NoError(t, w.ExecuteNodeJob(ctx, "exec-1", "start", 0))

	exec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status)
}

func TestExecuteNodeJob_InterruptBeforeSuspendsThenResumes(t *testing.T) {
	registry := component.NewRegistry()
	registry.Register("hitl", component.NewHITLFactory())

	s, st, q, coordinator := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		ExecutionID:   "exec-1",
		WorkflowID:    "wf-1",
		UserProfileID: "user-1",
		Status:        store.StatusPending,
	}))
	interruptTopo := simpleTopology()
	n := interruptTopo.Nodes["start"]
	n.ComponentType = "hitl"
	n.InterruptBefore = true
	interruptTopo.Nodes["start"] = n

	checker := budget.New(budget.Limits{}, st, &testLogger{t: t})
	bus := events.New(coordinator, &testLogger{t: t})
	w := NewWorker(s, coordinator, st, registry, fakeConfigLoader{}, checker, bus, &testLogger{t: t}, 0, RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second})

	rawTopo, err := topology.Marshal(interruptTopo)
	require.NoError(t, err)
	require.NoError(t, coordinator.StoreTopology(ctx, "exec-1", rawTopo))

	st0 := state.New("exec-1", nil, "user-1")
	rawState, err := state.Marshal(st0)
	require.NoError(t, err)
	require.NoError(t, coordinator.StoreState(ctx, "exec-1", rawState))
	_, err = coordinator.IncrementInflight(ctx, "exec-1")
	require.NoError(t, err)

	require.NoError(t, w.ExecuteNodeJob(ctx, "exec-1", "start", 0))

	exec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInterrupted, exec.Status, "interrupt_before with no pending task should suspend")
	assert.Equal(t, 0, q.count(), "suspending must not enqueue anything")

	task, err := st.GetPendingTask(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, s.ResumeNode(ctx, "exec-1", "yes"))
	require.NoError(t, w.ExecuteNodeJob(ctx, "exec-1", "start", 0))

	exec, err = st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusInterrupted, exec.Status, "resuming should run the node past the interrupt point")

	loadedRawState, err := coordinator.LoadStateRaw(ctx, "exec-1")
	require.NoError(t, err)
	resumed, err := state.Unmarshal([]byte(loadedRawState))
	require.NoError(t, err)
	output, ok := resumed.NodeOutputs["start"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, output["confirmed"], "the real hitl component should read the resume input as a confirmation")
	assert.Empty(t, resumed.ResumeInput, "resume input is one-shot and must be cleared after the node consumes it")
}
