package coord

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisWrapper "github.com/lyzr/flowmesh/common/redis"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, kv) }

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	wrapped := redisWrapper.NewClient(client, &testLogger{t: t})
	return New(wrapped, &testLogger{t: t})
}

func TestInflightIncrementDecrement(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	n, err := c.IncrementInflight(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.IncrementInflight(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = c.DecrementInflight(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMarkCompleted_IdempotenceGuard(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.MarkCompleted(ctx, "exec-1", "node-a")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.MarkCompleted(ctx, "exec-1", "node-a")
	require.NoError(t, err)
	assert.False(t, second, "marking the same node complete twice must be a no-op the second time")

	completed, err := c.IsCompleted(ctx, "exec-1", "node-a")
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestMarkCompleted_CompositeKeyPerLoopIteration(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	firstIter, err := c.MarkCompleted(ctx, "exec-1", "body_node#0")
	require.NoError(t, err)
	assert.True(t, firstIter)

	secondIter, err := c.MarkCompleted(ctx, "exec-1", "body_node#1")
	require.NoError(t, err)
	assert.True(t, secondIter, "a different iteration of the same node id must not collide with the first")
}

func TestFanIn_IncrementAndReset(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	n, err := c.IncrementFanIn(ctx, "exec-1", "join")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.IncrementFanIn(ctx, "exec-1", "join")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.ResetFanIn(ctx, "exec-1", "join"))

	n, err = c.IncrementFanIn(ctx, "exec-1", "join")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "fan-in counter must start fresh after reset")
}

func TestLoopContext_StoreLoadDelete(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, ok, err := c.LoadLoopContext(ctx, "exec-1", "loop-1")
	require.NoError(t, err)
	assert.False(t, ok, "no context stored yet")

	lc := LoopContext{Items: []interface{}{"a", "b"}, Index: 0, BodyTargets: []string{"body_a"}}
	require.NoError(t, c.StoreLoopContext(ctx, "exec-1", "loop-1", lc))

	loaded, ok, err := c.LoadLoopContext(ctx, "exec-1", "loop-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lc.Items, loaded.Items)
	assert.Equal(t, lc.BodyTargets, loaded.BodyTargets)

	require.NoError(t, c.DeleteLoopContext(ctx, "exec-1", "loop-1"))
	_, ok, err = c.LoadLoopContext(ctx, "exec-1", "loop-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementIterationDone_PerIterationCounters(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	n, err := c.IncrementIterationDone(ctx, "exec-1", "loop-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.IncrementIterationDone(ctx, "exec-1", "loop-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "each iteration has its own counter")

	n, err = c.IncrementIterationDone(ctx, "exec-1", "loop-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTopologyAndStateRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.StoreTopology(ctx, "exec-1", []byte(`{"workflow_slug":"wf"}`)))
	raw, err := c.LoadTopologyRaw(ctx, "exec-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"workflow_slug":"wf"}`, raw)

	require.NoError(t, c.StoreState(ctx, "exec-1", []byte(`{"execution_id":"exec-1"}`)))
	raw, err = c.LoadStateRaw(ctx, "exec-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"execution_id":"exec-1"}`, raw)
}

func TestCleanup_RemovesAllScopedKeys(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.IncrementInflight(ctx, "exec-1")
	require.NoError(t, err)
	_, err = c.MarkCompleted(ctx, "exec-1", "node-a")
	require.NoError(t, err)
	_, err = c.IncrementFanIn(ctx, "exec-1", "join")
	require.NoError(t, err)
	require.NoError(t, c.StoreLoopContext(ctx, "exec-1", "loop-1", LoopContext{}))
	require.NoError(t, c.StoreTopology(ctx, "exec-1", []byte(`{}`)))
	require.NoError(t, c.StoreState(ctx, "exec-1", []byte(`{}`)))

	require.NoError(t, c.Cleanup(ctx, "exec-1"))

	_, err = c.LoadTopologyRaw(ctx, "exec-1")
	assert.Error(t, err, "topology key must be gone after cleanup")
	_, err = c.LoadStateRaw(ctx, "exec-1")
	assert.Error(t, err, "state key must be gone after cleanup")
	_, ok, err := c.LoadLoopContext(ctx, "exec-1", "loop-1")
	require.NoError(t, err)
	assert.False(t, ok, "loop context must be gone after cleanup")
}
