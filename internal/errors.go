// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package internal

import (
	"errors"
	"fmt"
)

/*
If an activity fails, *ActivityError is returned from wait_activity. The error wraps the
underlying cause, which workflow code can inspect with errors.As. A workflow failure is
propagated to a waiting parent as *WorkflowError. Timeout-class errors (*ActivityTimeoutError,
*WorkflowTimeoutError) are distinguishable from generic failures so callers can retry
semantically instead of just textually.

	_, err := ctx.WaitActivity(handle, nil)
	var actErr *ActivityError
	if errors.As(err, &actErr) {
		// activity exhausted its retry budget
	}
	var timeoutErr *ActivityTimeoutError
	if errors.As(err, &timeoutErr) {
		// schedule-to-close or heartbeat timeout fired
	}
*/

type (
	// ActivityError is returned from WaitActivity when the activity task reached ACTIVITY_FAILED.
	// Unwrap to get the underlying cause recorded by the activity runner.
	ActivityError struct {
		ActivityName string
		Pos          int
		cause        error
	}

	// ActivityTimeoutError is returned from WaitActivity when the activity task reached
	// ACTIVITY_TIMED_OUT. ErrorCode distinguishes schedule-to-close from heartbeat timeouts
	// per §6.2 (activity_timeout, heartbeat_timeout).
	ActivityTimeoutError struct {
		ActivityName string
		Pos          int
		ErrorCode    string
	}

	// WorkflowError is returned from WaitWorkflow when the child reached CHILD_WORKFLOW_FAILED.
	WorkflowError struct {
		ChildID string
		cause   error
	}

	// WorkflowTimeoutError is returned from WaitWorkflow when the child reached
	// CHILD_WORKFLOW_TIMED_OUT.
	WorkflowTimeoutError struct {
		ChildID string
	}

	// WaitActivityTimeoutError is returned by WaitActivity when the caller passed timeout==0
	// and the activity has not yet produced an outcome. It is never persisted to history; it
	// propagates only to the caller of WaitActivity.
	WaitActivityTimeoutError struct {
		Pos int
	}

	// WaitWorkflowTimeoutError is the WaitWorkflow analogue of WaitActivityTimeoutError, and
	// also the error returned by the public Client.WaitWorkflow poll helper when its deadline
	// elapses before the workflow reaches a terminal status.
	WaitWorkflowTimeoutError struct {
		ExecutionID string
	}

	// NondeterminismError is raised during replay when history disagrees with the workflow
	// code currently executing: a different activity name or input fingerprint was recorded
	// at the same pos than the one the code is now producing. Terminal: the workflow fails and
	// must be fixed via GetVersion or restarted as a new execution.
	NondeterminismError struct {
		Pos    int
		Reason string
	}

	// UnknownWorkflowError is returned by Registry.Workflow on a name lookup miss.
	UnknownWorkflowError struct {
		Name string
	}

	// UnknownActivityError is returned by Registry.Activity on a name lookup miss. Per §4.6 this
	// error is never retried regardless of retry policy.
	UnknownActivityError struct {
		Name string
	}

	// CanceledError wraps a cancellation reason recorded in a *_CANCELED history event.
	CanceledError struct {
		Reason string
	}
)

// Error-code constants persisted in WorkflowExecution.error / ActivityTask.error (§6.2).
const (
	ErrCodeActivityFailed    = "activity_failed"
	ErrCodeActivityTimeout   = "activity_timeout"
	ErrCodeWorkflowTimeout   = "workflow_timeout"
	ErrCodeWorkflowCanceled  = "workflow_canceled"
	ErrCodeWorkflowNotRunnable = "workflow_not_runnable"
	ErrCodeHeartbeatTimeout  = "heartbeat_timeout"
	ErrCodeParentCanceled    = "parent_canceled"
)

func (e *ActivityError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("activity %q (pos %d) failed: %v", e.ActivityName, e.Pos, e.cause)
	}
	return fmt.Sprintf("activity %q (pos %d) failed", e.ActivityName, e.Pos)
}

// Unwrap exposes the underlying cause for errors.As/errors.Is.
func (e *ActivityError) Unwrap() error { return e.cause }

// NewActivityError wraps cause as the terminal failure of the activity scheduled at pos.
func NewActivityError(activityName string, pos int, cause error) *ActivityError {
	return &ActivityError{ActivityName: activityName, Pos: pos, cause: cause}
}

func (e *ActivityTimeoutError) Error() string {
	return fmt.Sprintf("activity %q (pos %d) timed out: %s", e.ActivityName, e.Pos, e.ErrorCode)
}

func (e *WorkflowError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("child workflow %q failed: %v", e.ChildID, e.cause)
	}
	return fmt.Sprintf("child workflow %q failed", e.ChildID)
}

// Unwrap exposes the underlying cause for errors.As/errors.Is.
func (e *WorkflowError) Unwrap() error { return e.cause }

// NewWorkflowError wraps cause as the terminal failure of the named child workflow.
func NewWorkflowError(childID string, cause error) *WorkflowError {
	return &WorkflowError{ChildID: childID, cause: cause}
}

func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("child workflow %q timed out", e.ChildID)
}

func (e *WaitActivityTimeoutError) Error() string {
	return fmt.Sprintf("wait_activity(pos=%d): poll deadline elapsed", e.Pos)
}

func (e *WaitWorkflowTimeoutError) Error() string {
	return fmt.Sprintf("wait_workflow(%s): poll deadline elapsed", e.ExecutionID)
}

func (e *NondeterminismError) Error() string {
	return fmt.Sprintf("nondeterminism detected at pos %d: %s", e.Pos, e.Reason)
}

func (e *UnknownWorkflowError) Error() string {
	return fmt.Sprintf("unknown workflow %q", e.Name)
}

func (e *UnknownActivityError) Error() string {
	return fmt.Sprintf("unknown activity %q", e.Name)
}

func (e *CanceledError) Error() string {
	if e.Reason == "" {
		return "canceled"
	}
	return fmt.Sprintf("canceled: %s", e.Reason)
}

// IsNonRetryable reports whether err should stop the retry loop for the given policy's
// non-retryable error type classifier, per §4.6 step 6: UnknownActivityError is always
// terminal regardless of policy.
func IsNonRetryable(err error, nonRetryableTypes []string) bool {
	var unknown *UnknownActivityError
	if errors.As(err, &unknown) {
		return true
	}
	var app *ApplicationError
	if errors.As(err, &app) && app.NonRetryable {
		return true
	}
	if len(nonRetryableTypes) == 0 {
		return false
	}
	name := errorTypeName(err)
	for _, t := range nonRetryableTypes {
		if t == name {
			return true
		}
	}
	return false
}

// errorTypeName returns the classifier name used against policy.non_retryable_error_types.
// User activity errors created with NewApplicationError carry an explicit Type; anything else
// falls back to its Go %T spelling so classification is still deterministic across replays.
func errorTypeName(err error) string {
	var app *ApplicationError
	if errors.As(err, &app) {
		if app.Type != "" {
			return app.Type
		}
	}
	return fmt.Sprintf("%T", err)
}

// ApplicationError is the error type activity implementations are expected to return when they
// want to classify their own failures (mirrors the non_retryable_error_types classifier in
// RetryPolicy). Activities may also return plain errors, which are classified by Go type name.
type ApplicationError struct {
	Message      string
	Type         string
	NonRetryable bool
	cause        error
}

func (e *ApplicationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.As/errors.Is.
func (e *ApplicationError) Unwrap() error { return e.cause }

// NewApplicationError builds a classified activity error. Pass nonRetryable=true to short
// circuit the retry budget regardless of maximum_attempts.
func NewApplicationError(message, errType string, nonRetryable bool, cause error) *ApplicationError {
	return &ApplicationError{Message: message, Type: errType, NonRetryable: nonRetryable, cause: cause}
}
