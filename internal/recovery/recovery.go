// Package recovery implements spec §4.6: a periodic zombie sweep for
// executions stuck in "running" past a threshold, and a queue
// failure-callback that fails an execution when a node job's handler
// returns an error or panics (distinct from a component returning an error, which
// internal/coord.Worker already retries/fails directly). Grounded on the
// teacher's periodic-poller pattern (a ticker loop calling a single sweep
// function) and its queue failure-callback registration.
package recovery

import (
	"context"
	"time"

	"github.com/lyzr/flowmesh/internal/coord"
	"github.com/lyzr/flowmesh/internal/events"
	"github.com/lyzr/flowmesh/internal/queue"
	"github.com/lyzr/flowmesh/internal/store"
)

// Logger matches the ambient logging interface used across internal/.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Sweeper periodically fails executions that are "running" and whose
// started_at is older than Threshold — the orchestrator process that
// owned them is assumed dead (spec §4.6). Progress made since started_at
// is not taken into account.
type Sweeper struct {
	store     store.Store
	scheduler *coord.Scheduler
	events    *events.Bus
	logger    Logger
	threshold time.Duration
	interval  time.Duration
}

// NewSweeper creates a Sweeper.
func NewSweeper(st store.Store, scheduler *coord.Scheduler, bus *events.Bus, logger Logger, threshold, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, scheduler: scheduler, events: bus, logger: logger, threshold: threshold, interval: interval}
}

// Run blocks, sweeping on Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("recovery: sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce fails every zombie execution it finds in one pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	zombies, err := s.store.ZombieExecutions(ctx, s.threshold)
	if err != nil {
		return err
	}
	for _, exec := range zombies {
		s.logger.Warn("recovery: zombie execution detected, failing", "execution_id", exec.ExecutionID, "started_at", exec.StartedAt)
		reason := "execution abandoned: no progress observed within the zombie threshold"
		if err := s.store.Transition(ctx, exec.ExecutionID, func(e *store.Execution) {
			now := time.Now()
			e.Status = store.StatusFailed
			e.CompletedAt = &now
			e.ErrorMessage = &reason
		}); err != nil {
			if err == store.ErrTerminal {
				continue
			}
			s.logger.Error("recovery: failed to mark zombie execution failed", "execution_id", exec.ExecutionID, "error", err)
			continue
		}
		s.events.Lifecycle(ctx, exec.ExecutionID, "", events.KindExecutionFailed, map[string]string{"reason": reason})
		if err := s.scheduler.Cleanup(ctx, exec.ExecutionID); err != nil {
			s.logger.Error("recovery: cleanup after zombie failure failed", "execution_id", exec.ExecutionID, "error", err)
		}
	}
	return nil
}

// OnJobFailure builds a queue.FailureHandler that fails the owning
// execution. The queue calls it as soon as a job's handler returns an
// error or panics; it does not redeliver the job first (spec §4.6:
// distinct from a component's own error, which Worker already retries).
func OnJobFailure(st store.Store, scheduler *coord.Scheduler, bus *events.Bus, logger Logger) queue.FailureHandler {
	return func(ctx context.Context, job *queue.Job, excType string, err error) {
		executionID, _ := job.Args["execution_id"].(string)
		if executionID == "" {
			logger.Error("recovery: failure callback received job with no execution_id", "job_type", job.Type)
			return
		}
		reason := "job queue delivery failed: " + excType + ": " + err.Error()
		txErr := st.Transition(ctx, executionID, func(e *store.Execution) {
			now := time.Now()
			e.Status = store.StatusFailed
			e.CompletedAt = &now
			e.ErrorMessage = &reason
		})
		if txErr != nil {
			if txErr == store.ErrTerminal {
				return
			}
			logger.Error("recovery: failed to mark execution failed after job failure", "execution_id", executionID, "error", txErr)
			return
		}
		bus.Lifecycle(ctx, executionID, "", events.KindExecutionFailed, map[string]string{"reason": reason})
		if err := scheduler.Cleanup(ctx, executionID); err != nil {
			logger.Error("recovery: cleanup after job failure failed", "execution_id", executionID, "error", err)
		}
	}
}
