package coord

import (
	"context"
	"fmt"

	"github.com/lyzr/flowmesh/internal/state"
	"github.com/lyzr/flowmesh/internal/topology"
)

// SeedLoop handles a loop node's first execution: it stores the per-item
// iteration context, points state.loop at item zero, and enqueues the
// loop body's entry targets for iteration zero (spec §4.3 seeding). The
// loop node's own inflight credit is deliberately not released until the
// whole loop finishes (finishLoop) — it represents "this loop is in
// progress", not "this one job is in progress".
func (s *Scheduler) SeedLoop(ctx context.Context, executionID, loopNodeID string, items []interface{}, topo *topology.Topology) error {
	newlyMarked, err := s.coord.MarkCompleted(ctx, executionID, loopNodeID)
	if err != nil {
		return fmt.Errorf("coord: mark loop node completed: %w", err)
	}
	if !newlyMarked {
		s.logger.Debug("coord: duplicate loop seed ignored", "execution_id", executionID, "node_id", loopNodeID)
		return nil
	}

	bodyTargets := topo.LoopBodies[loopNodeID]

	if len(items) == 0 || len(bodyTargets) == 0 {
		return s.finishLoop(ctx, executionID, loopNodeID, topo, nil, nil)
	}

	lc := LoopContext{Items: items, Index: 0, BodyTargets: bodyTargets}
	if err := s.coord.StoreLoopContext(ctx, executionID, loopNodeID, lc); err != nil {
		return err
	}

	rawState, err := s.coord.LoadStateRaw(ctx, executionID)
	if err != nil {
		return fmt.Errorf("coord: load state for loop seed: %w", err)
	}
	st, err := state.Unmarshal([]byte(rawState))
	if err != nil {
		return fmt.Errorf("coord: unmarshal state for loop seed: %w", err)
	}
	st.Loop = &state.LoopCursor{Index: 0, Item: items[0], Items: items}
	if err := s.persistState(ctx, executionID, st); err != nil {
		return err
	}

	for _, nodeID := range bodyTargets {
		if _, err := s.coord.IncrementInflight(ctx, executionID); err != nil {
			return err
		}
		if err := s.enqueueNode(ctx, executionID, nodeID, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// advanceLoopBody is reached from Advance once a loop body node completes.
// It tallies the current iteration's completions and, once every body
// target has reported in, either seeds the next iteration or finishes the
// loop (spec §4.3 per-node completion check / loop_next_iteration).
func (s *Scheduler) advanceLoopBody(ctx context.Context, executionID, loopID, fromNodeID string, st *state.State, topo *topology.Topology) error {
	lc, ok, err := s.coord.LoadLoopContext(ctx, executionID, loopID)
	if err != nil {
		return fmt.Errorf("coord: load loop context: %w", err)
	}
	if !ok {
		return fmt.Errorf("coord: loop body node %q completed with no loop context for loop %q", fromNodeID, loopID)
	}

	required := topo.RequiredLoopCompletions(loopID)
	if required <= 0 {
		required = 1
	}
	n, err := s.coord.IncrementIterationDone(ctx, executionID, loopID, lc.Index)
	if err != nil {
		return err
	}
	if int(n) < required {
		// This iteration isn't done yet; the completing node's own
		// inflight credit still needs releasing.
		return s.decrementAndMaybeFinalize(ctx, executionID)
	}

	iterationOutput := make(map[string]interface{}, len(lc.BodyTargets)+1)
	for _, nodeID := range lc.BodyTargets {
		if out, ok := st.NodeOutputs[nodeID]; ok {
			iterationOutput[nodeID] = out
		}
	}
	// Errors a body component reported via _loop_errors belong to this
	// iteration alone: they ride along in its result entry and the bucket
	// is cleared so iteration N's failures never bleed into iteration N+1.
	if errs := st.LoopErrors[loopID]; len(errs) > 0 {
		iterationOutput["errors"] = errs
		delete(st.LoopErrors, loopID)
	}
	lc.Results = append(lc.Results, iterationOutput)
	lc.Index++

	if lc.Index < len(lc.Items) {
		if err := s.coord.StoreLoopContext(ctx, executionID, loopID, lc); err != nil {
			return err
		}
		st.Loop = &state.LoopCursor{Index: lc.Index, Item: lc.Items[lc.Index], Items: lc.Items}
		if err := s.persistState(ctx, executionID, st); err != nil {
			return err
		}
		for _, nodeID := range lc.BodyTargets {
			if _, err := s.coord.IncrementInflight(ctx, executionID); err != nil {
				return err
			}
			if err := s.enqueueNode(ctx, executionID, nodeID, 0, 0); err != nil {
				return err
			}
		}
		// The just-completed body node's inflight credit is released;
		// the freshly enqueued next-iteration nodes hold their own.
		return s.decrementAndMaybeFinalize(ctx, executionID)
	}

	// Release the closing body node's own credit first. This can never
	// finalize early: the loop node's credit, held since SeedLoop, keeps
	// the counter above zero until finishLoop releases it.
	if err := s.decrementAndMaybeFinalize(ctx, executionID); err != nil {
		return err
	}
	return s.finishLoop(ctx, executionID, loopID, topo, lc.Results, st)
}

// finishLoop releases the loop node's reserved inflight credit, advances
// past the loop node along its normal outbound edges, and clears the loop's
// coordination keys. st carries the caller's in-hand state (with this
// iteration's error bucket already captured and cleared); a nil st means
// the caller never loaded one (empty-items seed) and it is loaded here.
func (s *Scheduler) finishLoop(ctx context.Context, executionID, loopID string, topo *topology.Topology, results []interface{}, st *state.State) error {
	if err := s.coord.DeleteLoopContext(ctx, executionID, loopID); err != nil {
		s.logger.Warn("coord: failed to delete loop context on finish", "execution_id", executionID, "loop_id", loopID, "error", err)
	}

	if st == nil {
		rawState, err := s.coord.LoadStateRaw(ctx, executionID)
		if err != nil {
			return fmt.Errorf("coord: load state at loop finish: %w", err)
		}
		st, err = state.Unmarshal([]byte(rawState))
		if err != nil {
			return fmt.Errorf("coord: unmarshal state at loop finish: %w", err)
		}
	}
	st.Loop = nil
	delete(st.LoopErrors, loopID)
	if st.NodeOutputs == nil {
		st.NodeOutputs = map[string]interface{}{}
	}
	st.NodeOutputs[loopID] = map[string]interface{}{"results": results}
	if err := s.persistState(ctx, executionID, st); err != nil {
		return err
	}

	targets, err := s.resolveTargets(st, topo, loopID)
	if err != nil {
		return err
	}
	if err := s.enqueueTargets(ctx, executionID, topo, targets, 0); err != nil {
		return err
	}
	// The decrement here releases the loop node's own credit, held since
	// SeedLoop as "this loop is in progress".
	return s.decrementAndMaybeFinalize(ctx, executionID)
}

func (s *Scheduler) persistState(ctx context.Context, executionID string, st *state.State) error {
	raw, err := state.Marshal(st)
	if err != nil {
		return fmt.Errorf("coord: marshal state: %w", err)
	}
	if err := s.coord.StoreState(ctx, executionID, raw); err != nil {
		return fmt.Errorf("coord: store state: %w", err)
	}
	return nil
}
