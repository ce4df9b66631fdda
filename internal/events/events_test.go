package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogger struct{ t *testing.T }

func (l *fakeLogger) Info(msg string, kv ...interface{})  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l *fakeLogger) Error(msg string, kv ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, kv) }
func (l *fakeLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l *fakeLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, kv) }

type recordedPublish struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []recordedPublish
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, recordedPublish{channel: channel, payload: payload})
	return f.err
}

func (f *fakePublisher) channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	chans := make([]string, len(f.published))
	for i, p := range f.published {
		chans[i] = p.channel
	}
	return chans
}

func TestLifecycle_PublishesToExecutionAndWorkflowChannels(t *testing.T) {
	pub := &fakePublisher{}
	bus := New(pub, &fakeLogger{t: t})

	bus.Lifecycle(context.Background(), "exec-1", "my-workflow", KindExecutionStarted, nil)

	assert.ElementsMatch(t, []string{"execution:exec-1", "workflow:my-workflow"}, pub.channels())
}

func TestLifecycle_SkipsWorkflowChannelWhenSlugEmpty(t *testing.T) {
	pub := &fakePublisher{}
	bus := New(pub, &fakeLogger{t: t})

	bus.Lifecycle(context.Background(), "exec-1", "", KindExecutionFailed, map[string]string{"reason": "boom"})

	assert.Equal(t, []string{"execution:exec-1"}, pub.channels())
}

func TestLifecycle_PayloadRoundTripsThroughEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	bus := New(pub, &fakeLogger{t: t})

	bus.Lifecycle(context.Background(), "exec-1", "", KindExecutionCompleted, map[string]interface{}{"final_output": "done"})

	require.Len(t, pub.published, 1)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.published[0].payload, &env))
	assert.Equal(t, string(KindExecutionCompleted), env["type"])
	assert.Equal(t, "exec-1", env["execution_id"])
	payload, ok := env["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "done", payload["final_output"])
}

func TestNodeStatus_PublishesNodeStatusPayload(t *testing.T) {
	pub := &fakePublisher{}
	bus := New(pub, &fakeLogger{t: t})

	bus.NodeStatus(context.Background(), "exec-1", "wf", NodeStatusPayload{
		NodeID:     "node-a",
		Status:     NodeStatusCompleted,
		DurationMS: 42,
		Output:     map[string]interface{}{"ok": true},
	})

	require.Len(t, pub.published, 2)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.published[0].payload, &env))
	assert.Equal(t, string(KindNodeStatus), env["type"])
	payload, ok := env["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "node-a", payload["node_id"])
	assert.Equal(t, string(NodeStatusCompleted), payload["status"])
	assert.Equal(t, float64(42), payload["duration_ms"])
}

func TestLifecycle_PublishFailureIsLoggedNotPropagated(t *testing.T) {
	pub := &fakePublisher{err: assert.AnError}
	bus := New(pub, &fakeLogger{t: t})

	assert.NotPanics(t, func() {
		bus.Lifecycle(context.Background(), "exec-1", "wf", KindExecutionStarted, nil)
	})
}
