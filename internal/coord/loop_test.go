package coord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowmesh/internal/state"
	"github.com/lyzr/flowmesh/internal/store"
	"github.com/lyzr/flowmesh/internal/topology"
)

// loopTopology builds trigger-less loop graph:
// loop --loop_body--> body --loop_return--> loop --direct--> sink
func loopTopology() *topology.Topology {
	return &topology.Topology{
		WorkflowSlug: "wf",
		EntryNodeIDs: []string{"loop"},
		Nodes: map[string]topology.Node{
			"loop": {NodeID: "loop", ComponentType: "loop"},
			"body": {NodeID: "body", ComponentType: "http"},
			"sink": {NodeID: "sink", ComponentType: "http"},
		},
		EdgesBySource: map[string][]topology.Edge{
			"loop": {
				{SourceNodeID: "loop", TargetNodeID: "body", EdgeType: topology.EdgeTypeDirect, EdgeLabel: topology.EdgeLabelLoopBody},
				{SourceNodeID: "loop", TargetNodeID: "sink", EdgeType: topology.EdgeTypeDirect},
			},
			"body": {
				{SourceNodeID: "body", TargetNodeID: "loop", EdgeType: topology.EdgeTypeDirect, EdgeLabel: topology.EdgeLabelLoopReturn},
			},
		},
		IncomingCount:    map[string]int{"body": 0, "sink": 1},
		LoopBodies:       map[string][]string{"loop": {"body"}},
		LoopReturnNodes:  map[string][]string{"loop": {"body"}},
		LoopBodyAllNodes: map[string][]string{"loop": {"body"}},
	}
}

// seedLoopExecution stands an execution up at the point the worker hands a
// loop node's _loop items to the scheduler: topology cached, state stored,
// the loop node's inflight credit held.
func seedLoopExecution(t *testing.T, s *Scheduler, st *fakeSchedStore, coordinator *Coordinator, topo *topology.Topology) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		ExecutionID:   "exec-1",
		WorkflowID:    "wf-1",
		UserProfileID: "user-1",
		Status:        store.StatusRunning,
	}))
	rawTopo, err := topology.Marshal(topo)
	require.NoError(t, err)
	require.NoError(t, coordinator.StoreTopology(ctx, "exec-1", rawTopo))

	raw, err := state.Marshal(state.New("exec-1", nil, "user-1"))
	require.NoError(t, err)
	require.NoError(t, coordinator.StoreState(ctx, "exec-1", raw))
	_, err = coordinator.IncrementInflight(ctx, "exec-1")
	require.NoError(t, err)
}

func loadState(t *testing.T, coordinator *Coordinator, executionID string) *state.State {
	t.Helper()
	raw, err := coordinator.LoadStateRaw(context.Background(), executionID)
	require.NoError(t, err)
	st, err := state.Unmarshal([]byte(raw))
	require.NoError(t, err)
	return st
}

// completeBody mimics the worker finishing one body attempt: it writes the
// body's port data (applying raw through the real result contract, so
// _loop_errors and friends take the production path), persists, and
// advances.
func completeBody(t *testing.T, s *Scheduler, coordinator *Coordinator, topo *topology.Topology, raw map[string]interface{}) *state.State {
	t.Helper()
	ctx := context.Background()
	st := loadState(t, coordinator, "exec-1")
	_, err := state.ApplyResult(st, "body", state.ParseNodeResult(raw))
	require.NoError(t, err)
	marshaled, err := state.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, coordinator.StoreState(ctx, "exec-1", marshaled))
	require.NoError(t, s.Advance(ctx, "exec-1", "body", st, topo, 0))
	return loadState(t, coordinator, "exec-1")
}

func TestSeedLoop_IteratesInOrderAndCollectsResults(t *testing.T) {
	s, st, q, coordinator := newTestScheduler(t)
	topo := loopTopology()
	seedLoopExecution(t, s, st, coordinator, topo)
	ctx := context.Background()

	require.NoError(t, s.SeedLoop(ctx, "exec-1", "loop", []interface{}{"a", "b"}, topo))

	assert.Equal(t, 1, q.count(), "seeding should enqueue the body for iteration 0")
	cur := loadState(t, coordinator, "exec-1")
	require.NotNil(t, cur.Loop)
	assert.Equal(t, 0, cur.Loop.Index)
	assert.Equal(t, "a", cur.Loop.Item)

	cur = completeBody(t, s, coordinator, topo, map[string]interface{}{"v": "a-out"})
	require.NotNil(t, cur.Loop, "one of two items done, the loop must still be live")
	assert.Equal(t, 1, cur.Loop.Index, "index must advance monotonically")
	assert.Equal(t, "b", cur.Loop.Item)
	assert.Equal(t, 2, q.count(), "iteration 1 should re-enqueue the body")

	// The second attempt fails partway: the component reports the error
	// via _loop_errors alongside whatever it did produce.
	cur = completeBody(t, s, coordinator, topo, map[string]interface{}{
		"v": "b-out",
		"_loop_errors": map[string]interface{}{
			"loop": map[string]interface{}{
				"body": map[string]interface{}{"error": "tool timeout"},
			},
		},
	})

	assert.Nil(t, cur.Loop, "loop cursor must be cleared once items are exhausted")
	assert.Empty(t, cur.LoopErrors, "the error bucket is iteration-scoped and must not outlive the loop")

	output, ok := cur.NodeOutputs["loop"].(map[string]interface{})
	require.True(t, ok, "the loop node must own a results output")
	results, ok := output["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2, "one result entry per item")

	first, ok := results[0].(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, first, "errors", "a clean iteration carries no error entry")

	second, ok := results[1].(map[string]interface{})
	require.True(t, ok)
	errs, ok := second["errors"].(map[string]interface{})
	require.True(t, ok, "the failing iteration's errors surface in its result entry")
	assert.Contains(t, errs, "body")

	assert.Equal(t, 3, q.count(), "finishing the loop should enqueue the sink")
	_, live, err := coordinator.LoadLoopContext(ctx, "exec-1", "loop")
	require.NoError(t, err)
	assert.False(t, live, "loop coordination keys must be deleted at finish")

	// Draining the sink must bring inflight to zero and finalize: the
	// loop's own credit and every body credit have to have been released.
	require.NoError(t, s.Advance(ctx, "exec-1", "sink", cur, topo, 0))
	exec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
}

func TestSeedLoop_EmptyItemsSkipsStraightToSuccessors(t *testing.T) {
	s, st, q, coordinator := newTestScheduler(t)
	topo := loopTopology()
	seedLoopExecution(t, s, st, coordinator, topo)
	ctx := context.Background()

	require.NoError(t, s.SeedLoop(ctx, "exec-1", "loop", nil, topo))

	cur := loadState(t, coordinator, "exec-1")
	assert.Nil(t, cur.Loop)
	output, ok := cur.NodeOutputs["loop"].(map[string]interface{})
	require.True(t, ok)
	results, _ := output["results"].([]interface{})
	assert.Empty(t, results)
	assert.Equal(t, 1, q.count(), "an empty loop still advances to the sink")

	require.NoError(t, s.SeedLoop(ctx, "exec-1", "loop", nil, topo))
	assert.Equal(t, 1, q.count(), "a duplicate seed delivery must be a no-op")
}

func TestAdvanceLoopBody_WaitsForEveryReturnNode(t *testing.T) {
	s, st, q, coordinator := newTestScheduler(t)
	topo := loopTopology()
	topo.Nodes["body2"] = topology.Node{NodeID: "body2", ComponentType: "http"}
	topo.EdgesBySource["loop"] = append(topo.EdgesBySource["loop"],
		topology.Edge{SourceNodeID: "loop", TargetNodeID: "body2", EdgeType: topology.EdgeTypeDirect, EdgeLabel: topology.EdgeLabelLoopBody})
	topo.EdgesBySource["body2"] = []topology.Edge{
		{SourceNodeID: "body2", TargetNodeID: "loop", EdgeType: topology.EdgeTypeDirect, EdgeLabel: topology.EdgeLabelLoopReturn},
	}
	topo.LoopBodies["loop"] = []string{"body", "body2"}
	topo.LoopReturnNodes["loop"] = []string{"body", "body2"}
	topo.LoopBodyAllNodes["loop"] = []string{"body", "body2"}
	seedLoopExecution(t, s, st, coordinator, topo)
	ctx := context.Background()

	require.NoError(t, s.SeedLoop(ctx, "exec-1", "loop", []interface{}{"only"}, topo))
	assert.Equal(t, 2, q.count(), "both body targets enqueue for iteration 0")

	cur := loadState(t, coordinator, "exec-1")
	require.NoError(t, s.Advance(ctx, "exec-1", "body", cur, topo, 0))

	cur = loadState(t, coordinator, "exec-1")
	require.NotNil(t, cur.Loop, "one of two return nodes in: the iteration is not complete")
	assert.Equal(t, 0, cur.Loop.Index)

	require.NoError(t, s.Advance(ctx, "exec-1", "body2", cur, topo, 0))

	cur = loadState(t, coordinator, "exec-1")
	assert.Nil(t, cur.Loop, "the second return node closes the only iteration")
	assert.Equal(t, 3, q.count(), "finish should enqueue the sink exactly once")
}
