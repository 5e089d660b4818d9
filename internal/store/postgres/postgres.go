// Package postgres implements store.Store (§4.2) over a Postgres database reached through
// jackc/pgx's database/sql-compatible stdlib driver and queried with jmoiron/sqlx, the same
// driver/query-layer pairing used elsewhere in the retrieved corpus for a relational-store
// backed service.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/store"
)

// Store is a Postgres-backed store.Store.
type Store struct {
	db *sqlx.DB
}

// New opens a connection pool per cfg and wraps it as a Store. Callers are expected to have
// applied schema.sql (or an equivalent migration) beforehand.
func New(cfg *Config) (*Store, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)

func (s *Store) InsertExecution(ctx context.Context, e store.NewExecution) (*store.WorkflowExecution, error) {
	return insertExecution(ctx, s.db, e)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	return getExecution(ctx, s.db, id)
}

// ClaimWorkflow implements the §4.2 claim_workflow primitive with SELECT ... FOR UPDATE SKIP
// LOCKED inside a transaction: if the row is locked by another claimant, or is not PENDING,
// sql.ErrNoRows surfaces and ClaimWorkflow returns (false, nil) without running fn. The
// transaction stays open for the duration of fn so every write fn performs through the
// returned Tx commits or rolls back atomically with the status transition.
func (s *Store) ClaimWorkflow(ctx context.Context, id string, fn func(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution) error) (bool, error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	const q = `
		SELECT * FROM workflow_executions
		WHERE id = $1 AND status = $2
		FOR UPDATE SKIP LOCKED`
	var row execRow
	if err := sqlTx.GetContext(ctx, &row, q, id, store.ExecutionPending); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("postgres: claim workflow: %w", err)
	}

	txWrapper := &Tx{tx: sqlTx}
	if err := fn(ctx, txWrapper, row.toDomain()); err != nil {
		return true, err
	}
	if err := sqlTx.Commit(); err != nil {
		return true, fmt.Errorf("postgres: commit: %w", err)
	}
	return true, nil
}

func (s *Store) MarkPendingIfActive(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE workflow_executions SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $2)
		RETURNING id`
	var got string
	err := s.db.GetContext(ctx, &got, q, id, store.ExecutionPending, time.Now().UTC(), store.ExecutionRunning)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: mark pending if active: %w", err)
	}
	return true, nil
}

func (s *Store) InsertActivityTask(ctx context.Context, t store.NewActivityTask) (*store.ActivityTask, error) {
	return insertActivityTask(ctx, s.db, t)
}

func (s *Store) GetActivityTask(ctx context.Context, id string) (*store.ActivityTask, error) {
	const q = `SELECT * FROM activity_tasks WHERE id = $1`
	var row taskRow
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get activity task: %w", err)
	}
	return row.toDomain()
}

func (s *Store) ClaimActivity(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
		UPDATE activity_tasks SET status = $2, updated_at = $4
		WHERE id = $1 AND status = $3 AND after_time <= $4
		RETURNING id`
	var got string
	err := s.db.GetContext(ctx, &got, q, id, store.TaskRunning, store.TaskQueued, now)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: claim activity: %w", err)
	}
	return true, nil
}

func (s *Store) UpdateActivityTask(ctx context.Context, t *store.ActivityTask) error {
	policy, err := json.Marshal(t.RetryPolicy)
	if err != nil {
		return fmt.Errorf("postgres: marshal retry policy: %w", err)
	}
	const q = `
		UPDATE activity_tasks SET
			status = $2, attempt = $3, retry_policy = $4::jsonb, heartbeat_timeout = $5,
			heartbeat_at = $6, heartbeat_details = $7::jsonb, result = $8::jsonb, error = $9,
			started_at = $10, finished_at = $11, after_time = $12, updated_at = $13
		WHERE id = $1`
	_, err = s.db.ExecContext(ctx, q, t.ID, t.Status, t.Attempt, policy, t.HeartbeatTimeout,
		t.HeartbeatAt, nullJSON(t.HeartbeatDetails), nullJSON(t.Result), t.Error, t.StartedAt,
		t.FinishedAt, t.AfterTime, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: update activity task: %w", err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time, details []byte) error {
	const q = `UPDATE activity_tasks SET heartbeat_at = $2, heartbeat_details = COALESCE($3::jsonb, heartbeat_details) WHERE id = $1 AND status = $4`
	_, err := s.db.ExecContext(ctx, q, id, at, nullJSON(details), store.TaskRunning)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	return nil
}

func (s *Store) InsertEvent(ctx context.Context, execution string, typ store.EventType, pos int, details []byte) (*store.HistoryEvent, error) {
	return insertEvent(ctx, s.db, execution, typ, pos, details)
}

func (s *Store) ListHistory(ctx context.Context, execution string) ([]store.HistoryEvent, error) {
	return listHistory(ctx, s.db, execution)
}

func (s *Store) DueActivities(ctx context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	const q = `
		SELECT t.* FROM activity_tasks t
		JOIN workflow_executions e ON e.id = t.execution
		WHERE t.status = $1 AND t.after_time <= $2
		  AND e.status IN ($3, $4)
		ORDER BY t.after_time
		LIMIT NULLIF($5, 0)`
	return queryTasks(ctx, s.db, q, store.TaskQueued, now, store.ExecutionPending, store.ExecutionRunning, limit)
}

func (s *Store) RunnableWorkflows(ctx context.Context, limit int) ([]string, error) {
	const q = `SELECT id FROM workflow_executions WHERE status = $1 LIMIT NULLIF($2, 0)`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, store.ExecutionPending, limit); err != nil {
		return nil, fmt.Errorf("postgres: runnable workflows: %w", err)
	}
	return ids, nil
}

func (s *Store) ExpiringQueuedActivities(ctx context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	const q = `
		SELECT * FROM activity_tasks
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		LIMIT NULLIF($3, 0)`
	return queryTasks(ctx, s.db, q, store.TaskQueued, now, limit)
}

func (s *Store) ExpiringWorkflows(ctx context.Context, now time.Time, limit int) ([]store.WorkflowExecution, error) {
	const q = `
		SELECT * FROM workflow_executions
		WHERE status NOT IN ($1, $2, $3, $4) AND expires_at IS NOT NULL AND expires_at <= $5
		LIMIT NULLIF($6, 0)`
	var rows []execRow
	if err := s.db.SelectContext(ctx, &rows, q,
		store.ExecutionCompleted, store.ExecutionFailed, store.ExecutionCanceled, store.ExecutionTimedOut,
		now, limit); err != nil {
		return nil, fmt.Errorf("postgres: expiring workflows: %w", err)
	}
	out := make([]store.WorkflowExecution, len(rows))
	for i, r := range rows {
		out[i] = *r.toDomain()
	}
	return out, nil
}

func (s *Store) StaleHeartbeats(ctx context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	const q = `
		SELECT * FROM activity_tasks
		WHERE status = $1 AND heartbeat_timeout IS NOT NULL AND heartbeat_at IS NOT NULL
		  AND heartbeat_at + make_interval(secs => heartbeat_timeout) <= $2
		LIMIT NULLIF($3, 0)`
	return queryTasks(ctx, s.db, q, store.TaskRunning, now, limit)
}

func (s *Store) ExpiringRunningActivities(ctx context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	const q = `
		SELECT * FROM activity_tasks
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		LIMIT NULLIF($3, 0)`
	return queryTasks(ctx, s.db, q, store.TaskRunning, now, limit)
}

func (s *Store) FailQueuedActivities(ctx context.Context, execution string, errCode string) error {
	return failQueuedActivities(ctx, s.db, execution, errCode)
}

func (s *Store) SetWorkflowTerminal(ctx context.Context, id string, status store.ExecutionStatus, result []byte, errMsg *string) error {
	return setWorkflowTerminal(ctx, s.db, id, status, result, errMsg)
}

func (s *Store) SetWorkflowRunning(ctx context.Context, id string) error {
	return setWorkflowRunning(ctx, s.db, id)
}

func (s *Store) NonTerminalChildren(ctx context.Context, parent string) ([]string, error) {
	const q = `
		SELECT id FROM workflow_executions
		WHERE parent = $1 AND status NOT IN ($2, $3, $4, $5)`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, parent,
		store.ExecutionCompleted, store.ExecutionFailed, store.ExecutionCanceled, store.ExecutionTimedOut); err != nil {
		return nil, fmt.Errorf("postgres: non-terminal children: %w", err)
	}
	return ids, nil
}

func queryTasks(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) ([]store.ActivityTask, error) {
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("postgres: query tasks: %w", err)
	}
	out := make([]store.ActivityTask, len(rows))
	for i, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out[i] = *d
	}
	return out, nil
}

// nullJSON turns an empty/nil byte slice into SQL NULL so `$n::jsonb` columns that are
// nullable (result, heartbeat_details) store NULL rather than the literal string "null".
// Inserts into the NOT NULL jsonb columns (input, args, kwargs) COALESCE that NULL to the
// column's default.
func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// execRow/taskRow are the sqlx scan targets. execRow embeds store.WorkflowExecution unchanged;
// taskRow differs from store.ActivityTask only in RetryPolicy's on-wire representation (raw
// JSON here, a parsed backoff.Policy in the domain type) since database/sql only knows how to
// scan a JSONB column into []byte.
type execRow struct {
	store.WorkflowExecution
}

func (r execRow) toDomain() *store.WorkflowExecution {
	e := r.WorkflowExecution
	return &e
}

type taskRow struct {
	ID               string          `db:"id"`
	Execution        string          `db:"execution"`
	ActivityName     string          `db:"activity_name"`
	Pos              int             `db:"pos"`
	Args             json.RawMessage `db:"args"`
	Kwargs           json.RawMessage `db:"kwargs"`
	Status           store.TaskStatus `db:"status"`
	AfterTime        time.Time       `db:"after_time"`
	ExpiresAt        *time.Time      `db:"expires_at"`
	Attempt          int             `db:"attempt"`
	MaxAttempts      int             `db:"max_attempts"`
	RetryPolicy      json.RawMessage `db:"retry_policy"`
	HeartbeatTimeout *float64        `db:"heartbeat_timeout"`
	HeartbeatAt      *time.Time      `db:"heartbeat_at"`
	HeartbeatDetails json.RawMessage `db:"heartbeat_details"`
	Result           json.RawMessage `db:"result"`
	Error            *string         `db:"error"`
	StartedAt        *time.Time      `db:"started_at"`
	FinishedAt       *time.Time      `db:"finished_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r taskRow) toDomain() (*store.ActivityTask, error) {
	var policy backoff.Policy
	if len(r.RetryPolicy) > 0 {
		if err := json.Unmarshal(r.RetryPolicy, &policy); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal retry policy: %w", err)
		}
	}
	return &store.ActivityTask{
		ID:               r.ID,
		Execution:        r.Execution,
		ActivityName:     r.ActivityName,
		Pos:              r.Pos,
		Args:             r.Args,
		Kwargs:           r.Kwargs,
		Status:           r.Status,
		AfterTime:        r.AfterTime,
		ExpiresAt:        r.ExpiresAt,
		Attempt:          r.Attempt,
		MaxAttempts:      r.MaxAttempts,
		RetryPolicy:      policy,
		HeartbeatTimeout: r.HeartbeatTimeout,
		HeartbeatAt:      r.HeartbeatAt,
		HeartbeatDetails: r.HeartbeatDetails,
		Result:           r.Result,
		Error:            r.Error,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}
