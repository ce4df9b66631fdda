package component

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowmesh/internal/state"
	"github.com/lyzr/flowmesh/internal/store"
	"github.com/lyzr/flowmesh/internal/subworkflow"
)

type fakeSubworkflowStore struct {
	mu         sync.Mutex
	executions map[string]*store.Execution
}

func newFakeSubworkflowStore() *fakeSubworkflowStore {
	return &fakeSubworkflowStore{executions: map[string]*store.Execution{}}
}

func (f *fakeSubworkflowStore) CreateExecution(ctx context.Context, e *store.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[e.ExecutionID] = e
	return nil
}

func (f *fakeSubworkflowStore) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeSubworkflowStore) Transition(ctx context.Context, executionID string, mutate func(*store.Execution)) error {
	return nil
}
func (f *fakeSubworkflowStore) AppendLog(ctx context.Context, l *store.ExecutionLog) error { return nil }
func (f *fakeSubworkflowStore) CreatePendingTask(ctx context.Context, t *store.PendingTask) error {
	return nil
}
func (f *fakeSubworkflowStore) GetPendingTask(ctx context.Context, executionID string) (*store.PendingTask, error) {
	return nil, store.ErrNotFound
}
func (f *fakeSubworkflowStore) DeletePendingTask(ctx context.Context, taskID string) error { return nil }
func (f *fakeSubworkflowStore) ZombieExecutions(ctx context.Context, threshold time.Duration) ([]*store.Execution, error) {
	return nil, nil
}
func (f *fakeSubworkflowStore) EpicCostUSD(ctx context.Context, episodeID string) (float64, error) {
	return 0, nil
}

type fakeSubworkflowEnqueuer struct {
	jobCount int
}

func (f *fakeSubworkflowEnqueuer) Enqueue(ctx context.Context, jobType string, args map[string]interface{}) error {
	f.jobCount++
	return nil
}

func TestSubworkflowFactory_FirstCallSuspends(t *testing.T) {
	st := newFakeSubworkflowStore()
	q := &fakeSubworkflowEnqueuer{}
	bridge := subworkflow.New(st, q)
	fn := NewSubworkflowFactory(bridge)()

	s := state.New("parent-exec", nil, "user-1")
	config := map[string]interface{}{
		"_node_id":           "sub_node",
		"_user_profile_id":   "user-1",
		"workflow_id":        "child-workflow",
	}

	result, err := fn(context.Background(), s, config)
	require.NoError(t, err)

	suspend, ok := result["_subworkflow"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, suspend["child_execution_id"])
	assert.Equal(t, 1, q.jobCount)
}

func TestSubworkflowFactory_SecondCallReturnsChildResult(t *testing.T) {
	st := newFakeSubworkflowStore()
	q := &fakeSubworkflowEnqueuer{}
	bridge := subworkflow.New(st, q)
	fn := NewSubworkflowFactory(bridge)()

	s := state.New("parent-exec", nil, "user-1")
	s.SubworkflowResults = map[string]interface{}{
		"sub_node": map[string]interface{}{"answer": 42},
	}
	config := map[string]interface{}{"_node_id": "sub_node", "workflow_id": "child-workflow"}

	result, err := fn(context.Background(), s, config)
	require.NoError(t, err)
	output, ok := result["output"].(map[string]interface{})
	require.True(t, ok, "child output should land at node_outputs[node_id].output per spec")
	assert.Equal(t, 42, output["answer"])
}

func TestSubworkflowFactory_MissingWorkflowIDErrors(t *testing.T) {
	st := newFakeSubworkflowStore()
	q := &fakeSubworkflowEnqueuer{}
	bridge := subworkflow.New(st, q)
	fn := NewSubworkflowFactory(bridge)()

	s := state.New("parent-exec", nil, "user-1")
	config := map[string]interface{}{"_node_id": "sub_node"}

	_, err := fn(context.Background(), s, config)
	assert.Error(t, err)
}
