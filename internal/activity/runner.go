// Package activity implements the activity runner (C6): executes one ActivityTask to
// completion, failure, or a scheduled retry.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"

	dflow "github.com/dflowhq/dflow/internal"
	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store"
)

// Runner executes ActivityTasks against a registry of activity implementations.
type Runner struct {
	store store.Store
	reg   *registry.Registry
	now   func() time.Time
}

// New builds a Runner over st using reg to resolve activity callables.
func New(st store.Store, reg *registry.Registry) *Runner {
	return &Runner{store: st, reg: reg, now: time.Now}
}

type activityOutcomeDetails struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// heartbeatKey is the context.Context key activity_heartbeat uses to find the task it's
// bound to; scoped to one Execute call, never shared across followers (§9 "no global mutable
// state").
type heartbeatKeyType struct{}

var heartbeatKey heartbeatKeyType

// WithHeartbeat returns a context an activity implementation can pass to Heartbeat from
// inside its own call stack.
func WithHeartbeat(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, heartbeatKey, taskID)
}

// Heartbeat implements activity_heartbeat (§4.6): it looks up the task bound to ctx (set by
// WithHeartbeat) and records a liveness update. Called from inside a running activity body.
func (r *Runner) Heartbeat(ctx context.Context, details []byte) error {
	taskID, ok := ctx.Value(heartbeatKey).(string)
	if !ok {
		return fmt.Errorf("activity: heartbeat called outside a running activity")
	}
	return r.store.Heartbeat(ctx, taskID, r.now(), details)
}

// Execute implements §4.6 execute_activity(task).
func (r *Runner) Execute(ctx context.Context, task *store.ActivityTask) error {
	span := opentracing.GlobalTracer().StartSpan("execute_activity")
	span.SetTag("activity_name", task.ActivityName)
	span.SetTag("task_id", task.ID)
	defer span.Finish()

	exec, err := r.store.GetExecution(ctx, task.Execution)
	if err != nil {
		return fmt.Errorf("activity: load execution: %w", err)
	}
	if exec.Status.Terminal() {
		code := dflow.ErrCodeWorkflowNotRunnable
		if exec.Status == store.ExecutionCanceled {
			code = dflow.ErrCodeWorkflowCanceled
		}
		return r.terminal(ctx, task, code, code)
	}

	now := r.now()
	task.Status = store.TaskRunning
	task.StartedAt = &now
	task.HeartbeatAt = &now
	task.Attempt++
	if err := r.store.UpdateActivityTask(ctx, task); err != nil {
		return fmt.Errorf("activity: claim transition: %w", err)
	}

	actCtx := WithHeartbeat(ctx, task.ID)

	var result interface{}
	var runErr error
	if task.ActivityName == store.SleepActivityName {
		var seconds []float64
		_ = json.Unmarshal(task.Args, &seconds)
		slept := 0.0
		if len(seconds) > 0 {
			slept = seconds[0]
		}
		result = map[string]float64{"slept": slept}
	} else {
		fn, _, lookupErr := r.reg.Activity(task.ActivityName)
		if lookupErr != nil {
			runErr = lookupErr
		} else {
			result, runErr = fn(actCtx, task.Args, task.Kwargs)
		}
	}

	if runErr == nil {
		return r.succeed(ctx, task, result)
	}
	return r.failOrRetry(ctx, task, runErr)
}

func (r *Runner) succeed(ctx context.Context, task *store.ActivityTask, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("activity: marshal result: %w", err)
	}
	now := r.now()
	task.Status = store.TaskCompleted
	task.Result = resultJSON
	task.FinishedAt = &now
	if err := r.store.UpdateActivityTask(ctx, task); err != nil {
		return fmt.Errorf("activity: persist success: %w", err)
	}
	details, err := json.Marshal(activityOutcomeDetails{Result: resultJSON})
	if err != nil {
		return fmt.Errorf("activity: marshal activity_completed: %w", err)
	}
	if _, err := r.store.InsertEvent(ctx, task.Execution, store.EventActivityCompleted, task.Pos, details); err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("activity: append activity_completed: %w", err)
	}
	_, err = r.store.MarkPendingIfActive(ctx, task.Execution)
	if err != nil {
		return fmt.Errorf("activity: nudge workflow: %w", err)
	}
	return nil
}

// failOrRetry implements §4.6 step 6: classify runErr as terminal or retryable.
func (r *Runner) failOrRetry(ctx context.Context, task *store.ActivityTask, runErr error) error {
	nonRetryable := dflow.IsNonRetryable(runErr, task.RetryPolicy.NonRetryableErrorTypes)
	exhausted := backoff.ExhaustedAttempts(task.RetryPolicy, task.Attempt)
	if nonRetryable || exhausted {
		return r.terminal(ctx, task, dflow.ErrCodeActivityFailed, runErr.Error())
	}

	delay := backoff.NextDelay(task.RetryPolicy, task.Attempt)
	now := r.now()
	task.Status = store.TaskQueued
	task.AfterTime = now.Add(time.Duration(delay * float64(time.Second)))
	task.Error = stringPtr(runErr.Error())
	if err := r.store.UpdateActivityTask(ctx, task); err != nil {
		return fmt.Errorf("activity: schedule retry: %w", err)
	}
	return nil
}

// terminal marks task FAILED with message and appends activity_failed carrying both message
// (the underlying error string, per §7) and errCode, then nudges the workflow. Used both for
// exhausted-retry failures and for owner-already-terminal tasks, where message is just errCode
// again since there's no underlying runErr to report.
func (r *Runner) terminal(ctx context.Context, task *store.ActivityTask, errCode, message string) error {
	now := r.now()
	task.Status = store.TaskFailed
	task.Error = &message
	task.FinishedAt = &now
	if err := r.store.UpdateActivityTask(ctx, task); err != nil {
		return fmt.Errorf("activity: persist terminal failure: %w", err)
	}
	details, err := json.Marshal(activityOutcomeDetails{Error: message, ErrorCode: errCode})
	if err != nil {
		return fmt.Errorf("activity: marshal activity_failed: %w", err)
	}
	if _, err := r.store.InsertEvent(ctx, task.Execution, store.EventActivityFailed, task.Pos, details); err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("activity: append activity_failed: %w", err)
	}
	_, err = r.store.MarkPendingIfActive(ctx, task.Execution)
	if err != nil {
		return fmt.Errorf("activity: nudge workflow: %w", err)
	}
	return nil
}

func stringPtr(s string) *string { return &s }
