// Package events publishes execution lifecycle and node status events to
// the execution:<id>/workflow:<slug> channel pair (spec §6.4). Publish is
// always best-effort: a failure is logged and never propagated, mirroring
// the teacher's EventPublisher.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Logger matches the ambient logging interface used across internal/.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Publisher is the thin Redis pub/sub interface events needs; satisfied
// by internal/coord.Coordinator.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Kind is one of the lifecycle event types spec §6.4 names.
type Kind string

const (
	KindExecutionStarted     Kind = "execution_started"
	KindExecutionCompleted   Kind = "execution_completed"
	KindExecutionFailed      Kind = "execution_failed"
	KindExecutionInterrupted Kind = "execution_interrupted"
	KindExecutionCancelled   Kind = "execution_cancelled"
	KindNodeStatus           Kind = "node_status"
)

// NodeStatusValue is the closed set node_status.status may take.
type NodeStatusValue string

const (
	NodeStatusRunning   NodeStatusValue = "running"
	NodeStatusCompleted NodeStatusValue = "completed"
	NodeStatusFailed    NodeStatusValue = "failed"
	NodeStatusWaiting   NodeStatusValue = "waiting"
)

// Bus publishes events for one execution, mirroring them to both the
// execution-scoped and workflow-scoped channels.
type Bus struct {
	pub    Publisher
	logger Logger
}

// New creates an event Bus.
func New(pub Publisher, logger Logger) *Bus {
	return &Bus{pub: pub, logger: logger}
}

func executionChannel(executionID string) string {
	return "execution:" + executionID
}

func workflowChannel(workflowSlug string) string {
	return "workflow:" + workflowSlug
}

type envelope struct {
	Type        Kind        `json:"type"`
	ExecutionID string      `json:"execution_id"`
	Timestamp   int64       `json:"timestamp"`
	Payload     interface{} `json:"payload,omitempty"`
}

// Lifecycle publishes an execution_* event to both mirror channels.
func (b *Bus) Lifecycle(ctx context.Context, executionID, workflowSlug string, kind Kind, payload interface{}) {
	b.publish(ctx, executionID, workflowSlug, kind, payload)
}

// NodeStatusPayload is the payload of a node_status event.
type NodeStatusPayload struct {
	NodeID     string          `json:"node_id"`
	Status     NodeStatusValue `json:"status"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Output     interface{}     `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// NodeStatus publishes a node_status event.
func (b *Bus) NodeStatus(ctx context.Context, executionID, workflowSlug string, payload NodeStatusPayload) {
	b.publish(ctx, executionID, workflowSlug, KindNodeStatus, payload)
}

func (b *Bus) publish(ctx context.Context, executionID, workflowSlug string, kind Kind, payload interface{}) {
	env := envelope{
		Type:        kind,
		ExecutionID: executionID,
		Timestamp:   time.Now().Unix(),
		Payload:     payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("events: marshal event failed", "kind", kind, "error", err)
		return
	}
	if err := b.pub.Publish(ctx, executionChannel(executionID), raw); err != nil {
		b.logger.Warn("events: publish to execution channel failed", "execution_id", executionID, "error", err)
	}
	if workflowSlug != "" {
		if err := b.pub.Publish(ctx, workflowChannel(workflowSlug), raw); err != nil {
			b.logger.Warn("events: publish to workflow channel failed", "workflow_slug", workflowSlug, "error", err)
		}
	}
}
