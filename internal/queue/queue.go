// Package queue implements the durable job queue spec §6.1 requires:
// immediate enqueue, delayed enqueue, failure-callback registration, and
// at-least-once delivery. It wraps a Redis stream (grounded on the
// teacher's common/redis stream helpers) with a delayed sorted set that a
// poller promotes into the stream once a job's delay has elapsed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redisWrapper "github.com/lyzr/flowmesh/common/redis"
	"github.com/redis/go-redis/v9"
)

// Logger interface, matching the rest of the ambient stack.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Job is one unit of work pulled off the queue.
type Job struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Args       map[string]interface{} `json:"args"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// FailureHandler is invoked when the queue itself fails a job (spec §6.1:
// "receives (job, exc_type, exc, tb)").
type FailureHandler func(ctx context.Context, job *Job, excType string, err error)

// Handler processes one dequeued job.
type Handler func(ctx context.Context, job *Job) error

// Queue is a Redis-stream-backed job queue with delayed enqueue.
type Queue struct {
	redis    *redisWrapper.Client
	logger   Logger
	stream   string
	group    string
	consumer string
	delayed  string

	onFailure []FailureHandler
}

// New creates a queue over the given stream name. group/consumer identify
// this process within the consumer group (grounded on the teacher's HITL
// worker consumer-name pattern).
func New(redisClient *redisWrapper.Client, logger Logger, stream string) *Queue {
	return &Queue{
		redis:    redisClient,
		logger:   logger,
		stream:   stream,
		group:    stream + "_workers",
		consumer: fmt.Sprintf("%s_%s", stream, uuid.New().String()[:8]),
		delayed:  stream + ":delayed",
	}
}

// OnFailure registers a failure callback. Multiple callbacks may be
// registered; each is invoked in turn.
func (q *Queue) OnFailure(h FailureHandler) {
	q.onFailure = append(q.onFailure, h)
}

// Enqueue immediately enqueues a job.
func (q *Queue) Enqueue(ctx context.Context, jobType string, args map[string]interface{}) error {
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Args:       args,
		EnqueuedAt: time.Now(),
	}
	return q.push(ctx, job)
}

// EnqueueIn enqueues a job after the given delay, via the delayed sorted
// set (spec §6.1 "enqueue_in", used by wait/loop nodes' _delay_seconds).
func (q *Queue) EnqueueIn(ctx context.Context, delay time.Duration, jobType string, args map[string]interface{}) error {
	if delay <= 0 {
		return q.Enqueue(ctx, jobType, args)
	}
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Args:       args,
		EnqueuedAt: time.Now(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal delayed job: %w", err)
	}
	dueAt := float64(time.Now().Add(delay).UnixNano())
	if err := q.redis.ZAddScore(ctx, q.delayed, dueAt, string(payload)); err != nil {
		return fmt.Errorf("queue: schedule delayed job: %w", err)
	}
	return nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if _, err := q.redis.AddToStream(ctx, q.stream, map[string]interface{}{"job": string(payload)}); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// PromoteDelayed moves any due delayed jobs into the live stream. Run this
// periodically from the recovery/sweep goroutine.
func (q *Queue) PromoteDelayed(ctx context.Context) error {
	due, err := q.redis.PopDueScore(ctx, q.delayed, float64(time.Now().UnixNano()), 100)
	if err != nil {
		return fmt.Errorf("queue: pop due delayed jobs: %w", err)
	}
	for _, payload := range due {
		if _, err := q.redis.AddToStream(ctx, q.stream, map[string]interface{}{"job": payload}); err != nil {
			q.logger.Error("queue: failed to promote delayed job", "error", err)
		}
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist yet.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return q.redis.CreateStreamGroup(ctx, q.stream, q.group)
}

// Run pulls jobs from the stream and invokes handler. Every message is
// acked after its handler returns, success or not: redelivery by the
// stream would replay a job whose side effects may already be half
// applied, so failures are routed to the registered failure callbacks
// instead (which fail the owning execution), and at-least-once semantics
// come from the orchestrator explicitly re-enqueueing retries. Blocks
// until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("queue: ensure group: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := q.runOnce(ctx, handler); err != nil {
				q.logger.Error("queue: run iteration failed", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (q *Queue) runOnce(ctx context.Context, handler Handler) error {
	streams, err := q.redis.ReadFromStreamGroup(ctx, q.group, q.consumer, q.stream, 1, 5*time.Second)
	if err != nil {
		return err
	}
	if streams == nil {
		return nil
	}
	for _, stream := range streams {
		for _, message := range stream.Messages {
			q.handleMessage(ctx, handler, message)
		}
	}
	return nil
}

func (q *Queue) handleMessage(ctx context.Context, handler Handler, message redis.XMessage) {
	raw, ok := message.Values["job"].(string)
	if !ok {
		q.logger.Error("queue: message missing job field", "message_id", message.ID)
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Error("queue: failed to decode job", "message_id", message.ID, "error", err)
		return
	}

	err := q.invoke(ctx, handler, &job)
	if err != nil {
		q.notifyFailure(ctx, &job, err)
	}

	if err := q.redis.AckStreamMessage(ctx, q.stream, q.group, message.ID); err != nil {
		q.logger.Error("queue: failed to ack message", "message_id", message.ID, "error", err)
	}
}

// invoke wraps handler so a panic (OOM-adjacent crash, serialization bug
// in the handler) is converted into a failure instead of killing the
// consumer goroutine, satisfying spec §4.6's "a failing callback MUST NOT
// crash the queue worker".
func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) notifyFailure(ctx context.Context, job *Job, err error) {
	for _, h := range q.onFailure {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("queue: failure handler panicked", "error", r)
				}
			}()
			h(ctx, job, fmt.Sprintf("%T", err), err)
		}()
	}
}
