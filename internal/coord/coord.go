// Package coord holds the Redis-backed coordination primitives the
// scheduler and worker need between node executions: fan-in counters, the
// completed-node idempotence guard, loop iteration cursors, and the cached
// topology and state blobs. Grounded on the teacher's
// cmd/workflow-runner/coordinator package and its use of
// common/redis.Client for all cross-node shared state.
package coord

import (
	"context"
	"encoding/json"
	"fmt"

	redisWrapper "github.com/lyzr/flowmesh/common/redis"
)

// Logger matches the ambient logging interface used across internal/.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Coordinator wraps the Redis primitives spec §6.2 requires for
// choreography between node executions within one execution.
type Coordinator struct {
	redis  *redisWrapper.Client
	logger Logger
}

// New creates a Coordinator over an already-wrapped Redis client.
func New(redisClient *redisWrapper.Client, logger Logger) *Coordinator {
	return &Coordinator{redis: redisClient, logger: logger}
}

func inflightKey(executionID string) string {
	return fmt.Sprintf("inflight:%s", executionID)
}

// IncrementInflight atomically increments the execution's inflight
// counter (spec §3.2 `inflight`: "number of node jobs enqueued or
// running").
func (c *Coordinator) IncrementInflight(ctx context.Context, executionID string) (int64, error) {
	n, err := c.redis.Increment(ctx, inflightKey(executionID))
	if err != nil {
		return 0, fmt.Errorf("coord: increment inflight: %w", err)
	}
	return n, nil
}

// DecrementInflight atomically decrements the execution's inflight
// counter and returns the new value. Callers call Finalize once this
// reaches zero with no further enqueues pending (spec §4.1 step 5, §5
// "every early-return and exception path MUST decrement inflight").
func (c *Coordinator) DecrementInflight(ctx context.Context, executionID string) (int64, error) {
	n, err := c.redis.Decrement(ctx, inflightKey(executionID))
	if err != nil {
		return 0, fmt.Errorf("coord: decrement inflight: %w", err)
	}
	return n, nil
}

func fanInKey(executionID, nodeID string) string {
	return fmt.Sprintf("fanin:%s:%s", executionID, nodeID)
}

func completedSetKey(executionID string) string {
	return fmt.Sprintf("completed:%s", executionID)
}

func loopContextKey(executionID, loopID string) string {
	return fmt.Sprintf("loop:%s:%s", executionID, loopID)
}

func loopDoneKey(executionID, loopID string) string {
	return fmt.Sprintf("loop:%s:%s:done", executionID, loopID)
}

func topologyKey(executionID string) string {
	return fmt.Sprintf("topology:%s", executionID)
}

func stateKey(executionID string) string {
	return fmt.Sprintf("state:%s", executionID)
}

// IncrementFanIn increments the arrival counter for a fan-in node and
// returns the new count. Callers compare against
// topology.IncomingCount to decide readiness
// (spec §4.1 step 2, "MUST NOT run twice for a single arrival set").
func (c *Coordinator) IncrementFanIn(ctx context.Context, executionID, nodeID string) (int64, error) {
	n, err := c.redis.IncrementHash(ctx, fanInKey(executionID, nodeID), "arrivals", 1)
	if err != nil {
		return 0, fmt.Errorf("coord: increment fan-in: %w", err)
	}
	return n, nil
}

// ResetFanIn clears a fan-in node's arrival counter, used once the node
// has actually been scheduled so a later re-arrival (recovery replay)
// starts counting fresh.
func (c *Coordinator) ResetFanIn(ctx context.Context, executionID, nodeID string) error {
	return c.redis.Delete(ctx, fanInKey(executionID, nodeID))
}

// MarkCompleted adds nodeID to the execution's completed-node set and
// reports whether it was newly added. A false return means the node was
// already marked complete — the idempotence guard spec §8 requires
// ("Implementers MUST add this idempotence guard").
func (c *Coordinator) MarkCompleted(ctx context.Context, executionID, nodeID string) (bool, error) {
	already, err := c.redis.IsSetMember(ctx, completedSetKey(executionID), nodeID)
	if err != nil {
		return false, fmt.Errorf("coord: check completed set: %w", err)
	}
	if already {
		return false, nil
	}
	if err := c.redis.AddToSet(ctx, completedSetKey(executionID), nodeID); err != nil {
		return false, fmt.Errorf("coord: mark completed: %w", err)
	}
	return true, nil
}

// IsCompleted reports whether a node has already run to completion for
// this execution.
func (c *Coordinator) IsCompleted(ctx context.Context, executionID, nodeID string) (bool, error) {
	ok, err := c.redis.IsSetMember(ctx, completedSetKey(executionID), nodeID)
	if err != nil {
		return false, fmt.Errorf("coord: check completed: %w", err)
	}
	return ok, nil
}

// LoopContext is the `loop:<node_id>` KV blob spec §3.2/§4.3 describes:
// the seeded item list, the current index, accumulated per-iteration
// results, and the loop-body entry targets to re-enqueue each iteration.
type LoopContext struct {
	Items       []interface{} `json:"items"`
	Index       int           `json:"index"`
	Results     []interface{} `json:"results"`
	BodyTargets []string      `json:"body_targets"`
}

// StoreLoopContext persists a loop's iteration context.
func (c *Coordinator) StoreLoopContext(ctx context.Context, executionID, loopID string, lc LoopContext) error {
	raw, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("coord: marshal loop context: %w", err)
	}
	if err := c.redis.Set(ctx, loopContextKey(executionID, loopID), string(raw), 0); err != nil {
		return fmt.Errorf("coord: store loop context: %w", err)
	}
	return nil
}

// LoadLoopContext loads a loop's iteration context. ok is false if no
// context has been seeded yet (loop not in progress).
func (c *Coordinator) LoadLoopContext(ctx context.Context, executionID, loopID string) (lc LoopContext, ok bool, err error) {
	raw, err := c.redis.Get(ctx, loopContextKey(executionID, loopID))
	if err != nil {
		return LoopContext{}, false, nil
	}
	if jsonErr := json.Unmarshal([]byte(raw), &lc); jsonErr != nil {
		return LoopContext{}, false, fmt.Errorf("coord: unmarshal loop context: %w", jsonErr)
	}
	return lc, true, nil
}

// DeleteLoopContext removes a loop's context and per-iteration done
// counters, used when the loop finishes (its items are exhausted, or it
// was seeded with no items or no body targets).
func (c *Coordinator) DeleteLoopContext(ctx context.Context, executionID, loopID string) error {
	if err := c.redis.Delete(ctx, loopContextKey(executionID, loopID)); err != nil {
		return fmt.Errorf("coord: delete loop context: %w", err)
	}
	if err := c.redis.Delete(ctx, loopDoneKey(executionID, loopID)); err != nil {
		return fmt.Errorf("coord: delete loop done counters: %w", err)
	}
	return nil
}

// IncrementIterationDone atomically increments the completion counter for
// one loop iteration (field `<i>` of the `loop:<exec>:<id>:done` hash)
// and returns the new count. Never decremented or reused across
// iterations (spec §4.3 invariants) because each iteration gets its own
// hash field.
func (c *Coordinator) IncrementIterationDone(ctx context.Context, executionID, loopID string, iteration int) (int64, error) {
	field := fmt.Sprintf("%d", iteration)
	n, err := c.redis.IncrementHash(ctx, loopDoneKey(executionID, loopID), field, 1)
	if err != nil {
		return 0, fmt.Errorf("coord: increment iteration done: %w", err)
	}
	return n, nil
}

// StoreTopology/LoadTopology persist the execution-scoped topology
// snapshot (possibly patched, spec §4.3) so workers always advance
// against the same graph version a running execution started with.
func (c *Coordinator) StoreTopology(ctx context.Context, executionID string, raw []byte) error {
	if err := c.redis.Set(ctx, topologyKey(executionID), string(raw), 0); err != nil {
		return fmt.Errorf("coord: store topology: %w", err)
	}
	return nil
}

func (c *Coordinator) LoadTopologyRaw(ctx context.Context, executionID string) (string, error) {
	raw, err := c.redis.Get(ctx, topologyKey(executionID))
	if err != nil {
		return "", fmt.Errorf("coord: load topology: %w", err)
	}
	return raw, nil
}

// StoreState/LoadState persist the execution's serialized State (spec §3.3)
// as the hot-path read/write copy; internal/store's Postgres rows remain
// the durable system of record written at lifecycle boundaries.
func (c *Coordinator) StoreState(ctx context.Context, executionID string, raw []byte) error {
	if err := c.redis.Set(ctx, stateKey(executionID), string(raw), 0); err != nil {
		return fmt.Errorf("coord: store state: %w", err)
	}
	return nil
}

func (c *Coordinator) LoadStateRaw(ctx context.Context, executionID string) (string, error) {
	raw, err := c.redis.Get(ctx, stateKey(executionID))
	if err != nil {
		return "", fmt.Errorf("coord: load state: %w", err)
	}
	return raw, nil
}

// Cleanup deletes every coordination key scoped to executionID (spec §3.2
// "All coordination keys are deleted by cleanup at finalization", §4.1
// finalize step 7). Fixed-name keys are deleted directly; per-node fan-in
// and loop keys are found via pattern scan since their node/loop id
// suffix isn't known here.
func (c *Coordinator) Cleanup(ctx context.Context, executionID string) error {
	if err := c.redis.Delete(ctx, inflightKey(executionID), completedSetKey(executionID), topologyKey(executionID), stateKey(executionID)); err != nil {
		c.logger.Warn("coord: cleanup fixed keys failed", "execution_id", executionID, "error", err)
	}
	for _, pattern := range []string{
		fmt.Sprintf("fanin:%s:*", executionID),
		fmt.Sprintf("loop:%s:*", executionID),
	} {
		keys, err := c.redis.ScanKeys(ctx, pattern)
		if err != nil {
			c.logger.Warn("coord: cleanup scan failed", "pattern", pattern, "error", err)
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.redis.Delete(ctx, keys...); err != nil {
			c.logger.Warn("coord: cleanup delete failed", "pattern", pattern, "error", err)
		}
	}
	return nil
}

// Publish fans a raw JSON event payload out to channel (spec §6.4).
func (c *Coordinator) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.redis.PublishEvent(ctx, channel, string(payload)); err != nil {
		return fmt.Errorf("coord: publish event: %w", err)
	}
	return nil
}
