// Package store defines the transactional persistence contract for the three durable
// entities of §3: WorkflowExecution, HistoryEvent, and ActivityTask. It is the C2 component.
package store

import (
	"encoding/json"
	"time"

	"github.com/dflowhq/dflow/internal/backoff"
)

// ExecutionStatus is the WorkflowExecution.status enum of §3.1. COMPLETED, FAILED, CANCELED,
// and TIMED_OUT are terminal.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCanceled  ExecutionStatus = "CANCELED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
)

// Terminal reports whether s is one of the four sticky terminal statuses.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCanceled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}

// TaskStatus is the ActivityTask.status enum of §3.3.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskTimedOut  TaskStatus = "TIMED_OUT"
)

// EventType is the HistoryEvent.type tag, stable on disk per §6.1.
type EventType string

const (
	EventWorkflowStarted           EventType = "workflow_started"
	EventWorkflowCompleted         EventType = "workflow_completed"
	EventWorkflowFailed            EventType = "workflow_failed"
	EventWorkflowCanceled          EventType = "workflow_canceled"
	EventWorkflowTimedOut          EventType = "workflow_timed_out"
	EventActivityScheduled         EventType = "activity_scheduled"
	EventActivityCompleted         EventType = "activity_completed"
	EventActivityFailed            EventType = "activity_failed"
	EventActivityTimedOut          EventType = "activity_timed_out"
	EventActivityCanceled          EventType = "activity_canceled"
	EventActivityWait              EventType = "activity_wait"
	EventSignalEnqueued            EventType = "signal_enqueued"
	EventSignalWait                EventType = "signal_wait"
	EventSignalConsumed            EventType = "signal_consumed"
	EventChildWorkflowScheduled    EventType = "child_workflow_scheduled"
	EventChildWorkflowCompleted    EventType = "child_workflow_completed"
	EventChildWorkflowFailed       EventType = "child_workflow_failed"
	EventChildWorkflowCanceled     EventType = "child_workflow_canceled"
	EventChildWorkflowTimedOut     EventType = "child_workflow_timed_out"
	EventChildWorkflowWait         EventType = "child_workflow_wait"
	EventVersionMarker             EventType = "version_marker"
)

// Reserved non-slot positions, §3.2/§6.3.
const (
	// SpecialPos marks out-of-band events whose pos is not a replay slot: cancellation,
	// signal enqueue, and timeout markers. It is exempt from the (execution, pos, type)
	// uniqueness constraint.
	SpecialPos = -1
	// FinalPos marks the terminal workflow_completed/workflow_failed event.
	FinalPos = -2
)

// Error codes persisted in WorkflowExecution.Error / ActivityTask.Error, §6.2.
const (
	ErrCodeActivityFailed      = "activity_failed"
	ErrCodeActivityTimeout     = "activity_timeout"
	ErrCodeWorkflowTimeout     = "workflow_timeout"
	ErrCodeWorkflowCanceled    = "workflow_canceled"
	ErrCodeWorkflowNotRunnable = "workflow_not_runnable"
	ErrCodeHeartbeatTimeout    = "heartbeat_timeout"
	ErrCodeParentCanceled      = "parent_canceled"
)

// WorkflowExecution is the §3.1 entity.
type WorkflowExecution struct {
	ID           string          `db:"id" json:"id"`
	WorkflowName string          `db:"workflow_name" json:"workflow_name"`
	Input        json.RawMessage `db:"input" json:"input"`
	Status       ExecutionStatus `db:"status" json:"status"`
	Result       json.RawMessage `db:"result" json:"result,omitempty"`
	Error        *string         `db:"error" json:"error,omitempty"`
	StartedAt    time.Time       `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	ExpiresAt    *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	Parent       *string         `db:"parent" json:"parent,omitempty"`
	ParentPos    *int            `db:"parent_pos" json:"parent_pos,omitempty"`
}

// HistoryEvent is the §3.2 entity. Seq is the append-only surrogate primary key that totally
// orders events for one execution; it is assigned by the store on insert.
type HistoryEvent struct {
	Seq       int64           `db:"seq" json:"seq"`
	Execution string          `db:"execution" json:"execution"`
	Type      EventType       `db:"type" json:"type"`
	Pos       int             `db:"pos" json:"pos"`
	Details   json.RawMessage `db:"details" json:"details"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// ActivityTask is the §3.3 entity.
type ActivityTask struct {
	ID               string          `db:"id" json:"id"`
	Execution        string          `db:"execution" json:"execution"`
	ActivityName     string          `db:"activity_name" json:"activity_name"`
	Pos              int             `db:"pos" json:"pos"`
	Args             json.RawMessage `db:"args" json:"args"`
	Kwargs           json.RawMessage `db:"kwargs" json:"kwargs,omitempty"`
	Status           TaskStatus      `db:"status" json:"status"`
	AfterTime        time.Time       `db:"after_time" json:"after_time"`
	ExpiresAt        *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	Attempt          int             `db:"attempt" json:"attempt"`
	MaxAttempts      int             `db:"max_attempts" json:"max_attempts"`
	RetryPolicy      backoff.Policy  `db:"retry_policy" json:"retry_policy"`
	HeartbeatTimeout *float64        `db:"heartbeat_timeout" json:"heartbeat_timeout,omitempty"`
	HeartbeatAt      *time.Time      `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	HeartbeatDetails json.RawMessage `db:"heartbeat_details" json:"heartbeat_details,omitempty"`
	Result           json.RawMessage `db:"result" json:"result,omitempty"`
	Error            *string         `db:"error" json:"error,omitempty"`
	StartedAt        *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt       *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// SleepActivityName is the reserved activity used to implement Context.Sleep (§4.4).
const SleepActivityName = "__sleep__"
