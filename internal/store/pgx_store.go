package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/flowmesh/common/db"
)

// PgxStore is the pgx-backed Store implementation, grounded on the
// teacher's repository.TagRepository/ArtifactRepository query style.
type PgxStore struct {
	db *db.DB
}

// NewPgxStore wraps an existing connection pool.
func NewPgxStore(pool *db.DB) *PgxStore {
	return &PgxStore{db: pool}
}

func (s *PgxStore) CreateExecution(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO execution (
			execution_id, workflow_id, trigger_node_id, parent_execution_id,
			parent_node_id, user_profile_id, status, trigger_payload, episode_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		e.ExecutionID, e.WorkflowID, e.TriggerNodeID, e.ParentExecutionID,
		e.ParentNodeID, e.UserProfileID, e.Status, e.TriggerPayload, e.EpisodeID,
	)
	if err != nil {
		return fmt.Errorf("store: create execution: %w", err)
	}
	return nil
}

func (s *PgxStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	query := `
		SELECT execution_id, workflow_id, trigger_node_id, parent_execution_id,
		       parent_node_id, user_profile_id, status, trigger_payload,
		       started_at, completed_at, error_message, final_output, episode_id,
		       total_input_tokens, total_output_tokens, total_tokens, total_cost_usd, llm_calls
		FROM execution
		WHERE execution_id = $1
	`
	e := &Execution{}
	err := s.db.QueryRow(ctx, query, executionID).Scan(
		&e.ExecutionID, &e.WorkflowID, &e.TriggerNodeID, &e.ParentExecutionID,
		&e.ParentNodeID, &e.UserProfileID, &e.Status, &e.TriggerPayload,
		&e.StartedAt, &e.CompletedAt, &e.ErrorMessage, &e.FinalOutput, &e.EpisodeID,
		&e.TotalInputTokens, &e.TotalOutputTokens, &e.TotalTokens, &e.TotalCostUSD, &e.LLMCalls,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	return e, nil
}

// Transition loads the execution, refuses if already terminal, applies
// mutate, and persists the full row back. Each worker call scopes its own
// transaction (spec §5 "the orchestrator does not hold cross-call
// transactions"), so this intentionally isn't a single long-lived tx.
func (s *PgxStore) Transition(ctx context.Context, executionID string, mutate func(*Execution)) error {
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status.IsTerminal() {
		return ErrTerminal
	}
	mutate(e)

	query := `
		UPDATE execution SET
			status = $2, started_at = $3, completed_at = $4, error_message = $5,
			final_output = $6, episode_id = $7,
			total_input_tokens = $8, total_output_tokens = $9, total_tokens = $10,
			total_cost_usd = $11, llm_calls = $12
		WHERE execution_id = $1
	`
	_, err = s.db.Exec(ctx, query,
		e.ExecutionID, e.Status, e.StartedAt, e.CompletedAt, e.ErrorMessage,
		e.FinalOutput, e.EpisodeID,
		e.TotalInputTokens, e.TotalOutputTokens, e.TotalTokens, e.TotalCostUSD, e.LLMCalls,
	)
	if err != nil {
		return fmt.Errorf("store: persist transition: %w", err)
	}
	return nil
}

func (s *PgxStore) AppendLog(ctx context.Context, l *ExecutionLog) error {
	query := `
		INSERT INTO execution_log (
			execution_id, node_id, status, duration_ms, started_at, output, error, error_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		l.ExecutionID, l.NodeID, l.Status, l.DurationMS, l.StartedAt, l.Output, l.Error, l.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("store: append execution log: %w", err)
	}
	return nil
}

func (s *PgxStore) CreatePendingTask(ctx context.Context, t *PendingTask) error {
	query := `
		INSERT INTO pending_task (task_id, execution_id, node_id, prompt, telegram_chat_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.Exec(ctx, query, t.TaskID, t.ExecutionID, t.NodeID, t.Prompt, t.TelegramChatID, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: create pending task: %w", err)
	}
	return nil
}

func (s *PgxStore) GetPendingTask(ctx context.Context, executionID string) (*PendingTask, error) {
	query := `
		SELECT task_id, execution_id, node_id, prompt, telegram_chat_id, expires_at
		FROM pending_task
		WHERE execution_id = $1
		ORDER BY expires_at DESC
		LIMIT 1
	`
	t := &PendingTask{}
	err := s.db.QueryRow(ctx, query, executionID).Scan(
		&t.TaskID, &t.ExecutionID, &t.NodeID, &t.Prompt, &t.TelegramChatID, &t.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pending task: %w", err)
	}
	return t, nil
}

func (s *PgxStore) DeletePendingTask(ctx context.Context, taskID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM pending_task WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("store: delete pending task: %w", err)
	}
	return nil
}

func (s *PgxStore) ZombieExecutions(ctx context.Context, threshold time.Duration) ([]*Execution, error) {
	query := `
		SELECT execution_id, workflow_id, trigger_node_id, parent_execution_id,
		       parent_node_id, user_profile_id, status, trigger_payload,
		       started_at, completed_at, error_message, final_output, episode_id,
		       total_input_tokens, total_output_tokens, total_tokens, total_cost_usd, llm_calls
		FROM execution
		WHERE status = $1 AND started_at < $2
	`
	cutoff := time.Now().Add(-threshold)
	rows, err := s.db.Query(ctx, query, StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: query zombie executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e := &Execution{}
		if err := rows.Scan(
			&e.ExecutionID, &e.WorkflowID, &e.TriggerNodeID, &e.ParentExecutionID,
			&e.ParentNodeID, &e.UserProfileID, &e.Status, &e.TriggerPayload,
			&e.StartedAt, &e.CompletedAt, &e.ErrorMessage, &e.FinalOutput, &e.EpisodeID,
			&e.TotalInputTokens, &e.TotalOutputTokens, &e.TotalTokens, &e.TotalCostUSD, &e.LLMCalls,
		); err != nil {
			return nil, fmt.Errorf("store: scan zombie execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate zombie executions: %w", err)
	}
	return out, nil
}

func (s *PgxStore) EpicCostUSD(ctx context.Context, episodeID string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(total_cost_usd), 0)
		FROM execution
		WHERE episode_id = $1 AND status != $2
	`
	var total float64
	err := s.db.QueryRow(ctx, query, episodeID, StatusCancelled).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: sum epic cost: %w", err)
	}
	return total, nil
}
