package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEvent is returned by InsertEvent when the (execution, pos, type) uniqueness
// constraint rejected the insert, per §3.2/§4.2. Callers treat this as an idempotency signal,
// not a failure: the intended event is already durable.
var ErrDuplicateEvent = errors.New("store: duplicate history event")

// ErrNotFound is returned by single-row lookups that found no matching row.
var ErrNotFound = errors.New("store: not found")

// NewExecution is the set of fields the caller supplies when starting a workflow; the store
// fills in ID/StartedAt/UpdatedAt/Status.
type NewExecution struct {
	WorkflowName string
	Input        []byte
	ExpiresAt    *time.Time
	Parent       *string
	ParentPos    *int
}

// NewActivityTask is the set of fields the caller supplies when scheduling an activity task;
// the store fills in ID/Status/Attempt/UpdatedAt.
type NewActivityTask struct {
	Execution        string
	ActivityName     string
	Pos              int
	Args             []byte
	Kwargs           []byte
	AfterTime        time.Time
	ExpiresAt        *time.Time
	MaxAttempts      int
	RetryPolicy      []byte
	HeartbeatTimeout *float64
}

// Store is the transactional persistence contract required by §4.2 and §5. Implementations
// must serialize each conditional update at row granularity; claim_activity and
// claim_workflow are the two points where concurrent dispatchers/steppers race and exactly
// one must win.
type Store interface {
	// InsertExecution creates a new PENDING WorkflowExecution.
	InsertExecution(ctx context.Context, e NewExecution) (*WorkflowExecution, error)
	// GetExecution loads one execution by id.
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)

	// ClaimWorkflow implements the §4.2 claim_workflow primitive: it selects the execution
	// row with a lock that excludes other concurrent claimants (SELECT ... FOR UPDATE SKIP
	// LOCKED in the Postgres implementation) and, if the row is PENDING, runs fn with that
	// lock held so the Stepper (C5) can read history and append events atomically with the
	// status transition. If the row is not PENDING, or another claimant already holds the
	// lock, ClaimWorkflow returns (false, nil) without running fn.
	ClaimWorkflow(ctx context.Context, id string, fn func(ctx context.Context, tx Tx, exec *WorkflowExecution) error) (claimed bool, err error)

	// MarkPendingIfActive implements mark_pending_if_active: a conditional transition from
	// {PENDING,RUNNING} to PENDING, used to wake a workflow after an activity, signal, or
	// child-workflow completion event. Returns whether the row changed.
	MarkPendingIfActive(ctx context.Context, id string) (bool, error)

	// InsertActivityTask creates a QUEUED ActivityTask.
	InsertActivityTask(ctx context.Context, t NewActivityTask) (*ActivityTask, error)
	// GetActivityTask loads one task by id.
	GetActivityTask(ctx context.Context, id string) (*ActivityTask, error)

	// ClaimActivity implements the §4.2 claim_activity primitive: conditional
	// status=QUEUED ∧ after_time≤now → status=RUNNING. Returns whether the update changed
	// the row; the caller reloads the task afterwards if it needs the new state.
	ClaimActivity(ctx context.Context, id string, now time.Time) (bool, error)

	// UpdateActivityTask persists the full row (used after computing the post-attempt state:
	// COMPLETED/FAILED/TIMED_OUT/QUEUED-for-retry). Implementations should write every
	// mutable column so callers don't need a menu of single-field setters.
	UpdateActivityTask(ctx context.Context, t *ActivityTask) error

	// Heartbeat updates heartbeat_at/heartbeat_details for a RUNNING task. It is called from
	// inside the currently-executing activity's call stack (§4.6 activity_heartbeat).
	Heartbeat(ctx context.Context, id string, at time.Time, details []byte) error

	// InsertEvent appends one HistoryEvent, failing with ErrDuplicateEvent on a unique
	// constraint violation. Callers that want the duplicate treated as success compare the
	// error against ErrDuplicateEvent (e.g. SIGNAL_WAIT, which is recorded at most once).
	InsertEvent(ctx context.Context, execution string, typ EventType, pos int, details []byte) (*HistoryEvent, error)

	// ListHistory returns every event for execution ordered by primary key (Seq), the ground
	// truth the replay context consults (§3.2, §5).
	ListHistory(ctx context.Context, execution string) ([]HistoryEvent, error)

	// DueActivities returns up to limit QUEUED tasks with after_time<=now whose owning
	// execution is non-terminal, per §4.2's indexed "due queued tasks" query.
	DueActivities(ctx context.Context, now time.Time, limit int) ([]ActivityTask, error)

	// RunnableWorkflows returns up to limit PENDING execution ids for the dispatcher to hand
	// to a follower for stepping (§4.7 step 2).
	RunnableWorkflows(ctx context.Context, limit int) ([]string, error)

	// ExpiringQueuedActivities returns QUEUED tasks whose schedule-to-close expires_at has
	// elapsed (§4.7 step 0, first bullet).
	ExpiringQueuedActivities(ctx context.Context, now time.Time, limit int) ([]ActivityTask, error)

	// ExpiringWorkflows returns non-terminal executions whose expires_at has elapsed
	// (§4.7 step 0, second bullet).
	ExpiringWorkflows(ctx context.Context, now time.Time, limit int) ([]WorkflowExecution, error)

	// StaleHeartbeats returns RUNNING tasks with heartbeat_timeout set whose
	// heartbeat_at+heartbeat_timeout has elapsed (§4.7 step 0, third bullet).
	StaleHeartbeats(ctx context.Context, now time.Time, limit int) ([]ActivityTask, error)

	// ExpiringRunningActivities returns RUNNING tasks whose schedule-to-close expires_at has
	// elapsed (§4.7 step 0, fourth bullet).
	ExpiringRunningActivities(ctx context.Context, now time.Time, limit int) ([]ActivityTask, error)

	// FailQueuedActivities transitions every QUEUED task of execution to FAILED with errCode,
	// used when a workflow becomes terminal while tasks are still outstanding (§3.1
	// invariant, §4.8 cancel_workflow).
	FailQueuedActivities(ctx context.Context, execution string, errCode string) error

	// SetWorkflowTerminal transitions execution to a terminal status with the given
	// result/error, setting finished_at. It is a no-op (sticky terminality, §3.1) if the
	// execution is already terminal.
	SetWorkflowTerminal(ctx context.Context, id string, status ExecutionStatus, result []byte, errMsg *string) error

	// SetWorkflowRunning transitions execution to RUNNING (used after a step suspends
	// mid-replay, §4.5).
	SetWorkflowRunning(ctx context.Context, id string) error

	// NonTerminalChildren returns the ids of every non-terminal child execution of parent,
	// used to cascade cancellation (§4.8, §7).
	NonTerminalChildren(ctx context.Context, parent string) ([]string, error)
}

// Tx is the subset of Store operations available while ClaimWorkflow holds the execution
// lock. It shares the same method set as Store for the operations the Stepper needs so the
// Stepper can be written against either interface during tests.
type Tx interface {
	InsertEvent(ctx context.Context, execution string, typ EventType, pos int, details []byte) (*HistoryEvent, error)
	ListHistory(ctx context.Context, execution string) ([]HistoryEvent, error)
	InsertActivityTask(ctx context.Context, t NewActivityTask) (*ActivityTask, error)
	SetWorkflowTerminal(ctx context.Context, id string, status ExecutionStatus, result []byte, errMsg *string) error
	SetWorkflowRunning(ctx context.Context, id string) error
	MarkPendingIfActive(ctx context.Context, id string) (bool, error)
	InsertExecution(ctx context.Context, e NewExecution) (*WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
}
