package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dflowhq/dflow/internal/store"
)

// Tx is the store.Tx view ClaimWorkflow hands to its callback: every write it performs runs
// against the same *sqlx.Tx the row lock was acquired on, so the status transition and the
// appended history events commit or roll back together.
type Tx struct {
	tx *sqlx.Tx
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) InsertEvent(ctx context.Context, execution string, typ store.EventType, pos int, details []byte) (*store.HistoryEvent, error) {
	return insertEvent(ctx, t.tx, execution, typ, pos, details)
}

func (t *Tx) ListHistory(ctx context.Context, execution string) ([]store.HistoryEvent, error) {
	return listHistory(ctx, t.tx, execution)
}

func (t *Tx) InsertActivityTask(ctx context.Context, task store.NewActivityTask) (*store.ActivityTask, error) {
	return insertActivityTask(ctx, t.tx, task)
}

func (t *Tx) SetWorkflowTerminal(ctx context.Context, id string, status store.ExecutionStatus, result []byte, errMsg *string) error {
	return setWorkflowTerminal(ctx, t.tx, id, status, result, errMsg)
}

func (t *Tx) SetWorkflowRunning(ctx context.Context, id string) error {
	return setWorkflowRunning(ctx, t.tx, id)
}

func (t *Tx) MarkPendingIfActive(ctx context.Context, id string) (bool, error) {
	return markPendingIfActive(ctx, t.tx, id)
}

func (t *Tx) InsertExecution(ctx context.Context, e store.NewExecution) (*store.WorkflowExecution, error) {
	return insertExecution(ctx, t.tx, e)
}

func (t *Tx) GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	return getExecution(ctx, t.tx, id)
}

// execerGetter is the subset of sqlx.DB/sqlx.Tx the free functions below need; it lets
// Store and Tx share one implementation of every query.
type execerGetter interface {
	sqlx.ExecerContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func insertExecution(ctx context.Context, db execerGetter, e store.NewExecution) (*store.WorkflowExecution, error) {
	now := time.Now().UTC()
	const q = `
		INSERT INTO workflow_executions
			(id, workflow_name, input, status, started_at, updated_at, expires_at, parent, parent_pos)
		VALUES (gen_random_uuid(), $1, COALESCE($2::jsonb, '{}'::jsonb), $3, $4, $4, $5, $6, $7)
		RETURNING *`
	var row execRow
	if err := db.GetContext(ctx, &row, q, e.WorkflowName, nullJSON(e.Input), store.ExecutionPending, now, e.ExpiresAt, e.Parent, e.ParentPos); err != nil {
		return nil, fmt.Errorf("postgres: insert execution: %w", err)
	}
	return row.toDomain(), nil
}

func getExecution(ctx context.Context, db execerGetter, id string) (*store.WorkflowExecution, error) {
	const q = `SELECT * FROM workflow_executions WHERE id = $1`
	var row execRow
	if err := db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get execution: %w", err)
	}
	return row.toDomain(), nil
}

func insertActivityTask(ctx context.Context, db execerGetter, t store.NewActivityTask) (*store.ActivityTask, error) {
	policy := t.RetryPolicy
	if policy == nil {
		policy = []byte(`{}`)
	}
	const q = `
		INSERT INTO activity_tasks
			(id, execution, activity_name, pos, args, kwargs, status, after_time, expires_at,
			 attempt, max_attempts, retry_policy, heartbeat_timeout, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, COALESCE($4::jsonb, '[]'::jsonb), COALESCE($5::jsonb, '{}'::jsonb), $6, $7, $8, 0, $9, $10::jsonb, $11, $12)
		RETURNING *`
	var row taskRow
	if err := db.GetContext(ctx, &row, q, t.Execution, t.ActivityName, t.Pos,
		nullJSON(t.Args), nullJSON(t.Kwargs), store.TaskQueued, t.AfterTime, t.ExpiresAt,
		t.MaxAttempts, string(policy), t.HeartbeatTimeout, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("postgres: insert activity task: %w", err)
	}
	return row.toDomain()
}

func insertEvent(ctx context.Context, db execerGetter, execution string, typ store.EventType, pos int, details []byte) (*store.HistoryEvent, error) {
	const q = `
		INSERT INTO history_events (execution, type, pos, details, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING *`
	var row store.HistoryEvent
	err := db.GetContext(ctx, &row, q, execution, typ, pos, nullJSON(details), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateEvent
		}
		return nil, fmt.Errorf("postgres: insert event: %w", err)
	}
	return &row, nil
}

func listHistory(ctx context.Context, db execerGetter, execution string) ([]store.HistoryEvent, error) {
	const q = `SELECT * FROM history_events WHERE execution = $1 ORDER BY seq`
	var rows []store.HistoryEvent
	if err := db.SelectContext(ctx, &rows, q, execution); err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	return rows, nil
}

func setWorkflowTerminal(ctx context.Context, db execerGetter, id string, status store.ExecutionStatus, result []byte, errMsg *string) error {
	const q = `
		UPDATE workflow_executions SET
			status = $2, result = COALESCE($3::jsonb, result), error = $4,
			finished_at = $5, updated_at = $5
		WHERE id = $1 AND status NOT IN ($6, $7, $8, $9)`
	_, err := db.ExecContext(ctx, q, id, status, nullJSON(result), errMsg, time.Now().UTC(),
		store.ExecutionCompleted, store.ExecutionFailed, store.ExecutionCanceled, store.ExecutionTimedOut)
	if err != nil {
		return fmt.Errorf("postgres: set workflow terminal: %w", err)
	}
	return nil
}

func setWorkflowRunning(ctx context.Context, db execerGetter, id string) error {
	const q = `UPDATE workflow_executions SET status = $2, updated_at = $3 WHERE id = $1 AND status NOT IN ($4, $5, $6, $7)`
	_, err := db.ExecContext(ctx, q, id, store.ExecutionRunning, time.Now().UTC(),
		store.ExecutionCompleted, store.ExecutionFailed, store.ExecutionCanceled, store.ExecutionTimedOut)
	if err != nil {
		return fmt.Errorf("postgres: set workflow running: %w", err)
	}
	return nil
}

func markPendingIfActive(ctx context.Context, db execerGetter, id string) (bool, error) {
	const q = `
		UPDATE workflow_executions SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($2, $4)
		RETURNING id`
	var got string
	err := db.GetContext(ctx, &got, q, id, store.ExecutionPending, time.Now().UTC(), store.ExecutionRunning)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: mark pending if active: %w", err)
	}
	return true, nil
}

func failQueuedActivities(ctx context.Context, db execerGetter, execution string, errCode string) error {
	const q = `
		UPDATE activity_tasks SET status = $3, error = $4, finished_at = $5, updated_at = $5
		WHERE execution = $1 AND status = $2`
	_, err := db.ExecContext(ctx, q, execution, store.TaskQueued, store.TaskFailed, errCode, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: fail queued activities: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation (SQLSTATE 23505),
// matched on the error string rather than importing pgconn to keep this file driver-agnostic
// for tests that exercise it against other database/sql drivers.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
