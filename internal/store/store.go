// Package store holds the three durable entities spec §3.1 names
// (Execution, ExecutionLog, PendingTask) and the transactional store that
// persists them, generalized from the teacher's single Run entity.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the Execution lifecycle status (spec §3.1).
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether status is a sink (spec §3.1 invariant: no
// transition leaves a terminal status).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrTerminal is returned when a caller attempts to transition an
// execution that has already reached a terminal status.
var ErrTerminal = errors.New("store: execution already in a terminal status")

// Execution is one run of a workflow against one trigger event.
type Execution struct {
	ExecutionID       string
	WorkflowID        string
	TriggerNodeID     *string
	ParentExecutionID *string
	ParentNodeID      *string
	UserProfileID     string
	Status            Status
	TriggerPayload    json.RawMessage
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ErrorMessage      *string
	FinalOutput       json.RawMessage
	EpisodeID         *string

	TotalInputTokens  int
	TotalOutputTokens int
	TotalTokens       int
	TotalCostUSD      float64
	LLMCalls          int
}

// ExecutionLog is one append-only row per node attempt.
type ExecutionLog struct {
	ExecutionID string
	NodeID      string
	Status      string
	DurationMS  int64
	StartedAt   time.Time
	Output      json.RawMessage
	Error       *string
	ErrorCode   *string
}

// PendingTask marks an execution suspended on human input.
type PendingTask struct {
	TaskID         string
	ExecutionID    string
	NodeID         string
	Prompt         string
	TelegramChatID *string
	ExpiresAt      time.Time
}

// Store is the transactional-store contract the scheduler/worker/recovery
// packages depend on.
type Store interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// Transition applies mutate to the execution and persists the result,
	// refusing if the execution is already terminal (spec §3.1 invariant,
	// §7 idempotence). mutate is responsible for setting Status/CompletedAt
	// itself; Transition only enforces the sink guard.
	Transition(ctx context.Context, executionID string, mutate func(*Execution)) error

	AppendLog(ctx context.Context, l *ExecutionLog) error

	CreatePendingTask(ctx context.Context, t *PendingTask) error
	GetPendingTask(ctx context.Context, executionID string) (*PendingTask, error)
	DeletePendingTask(ctx context.Context, taskID string) error

	// ZombieExecutions returns running executions whose started_at is
	// older than threshold (spec §4.6).
	ZombieExecutions(ctx context.Context, threshold time.Duration) ([]*Execution, error)

	// EpicCostUSD returns the total cost of all non-cancelled executions
	// sharing episodeID (spec's "per-epic ceiling", internal/budget).
	EpicCostUSD(ctx context.Context, episodeID string) (float64, error)
}
