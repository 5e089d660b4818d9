// Package dflow is the public surface of a durable workflow execution engine: a library for
// writing workflow and activity functions whose progress survives process restarts by replaying
// an append-only event history instead of keeping state in memory.
package dflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dflowint "github.com/dflowhq/dflow/internal"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store"
)

// Client starts, signals, cancels, and waits on workflow executions against a Store. It holds
// no in-memory scheduler state; everything it does goes through store operations (§5 "the only
// shared resource is the store").
type Client struct {
	store store.Store
	reg   *registry.Registry
	now   func() time.Time
}

// NewClient builds a Client over st, resolving registry defaults (timeouts, retry policy) from
// reg when StartWorkflow's caller doesn't override them.
func NewClient(st store.Store, reg *registry.Registry) *Client {
	return &Client{store: st, reg: reg, now: time.Now}
}

// StartWorkflow implements §4.8 start_workflow: it inserts a new PENDING WorkflowExecution and
// returns its id. input must already be JSON-encoded; timeout overrides the registry's default
// schedule-to-close timeout for name when non-nil.
func (c *Client) StartWorkflow(ctx context.Context, name string, input []byte, timeout *float64) (string, error) {
	if !c.reg.HasWorkflow(name) {
		return "", &dflowint.UnknownWorkflowError{Name: name}
	}
	_, policy, err := c.reg.Workflow(name)
	if err != nil {
		return "", err
	}

	effective := policy.ScheduleToCloseTimeout
	if timeout != nil {
		effective = *timeout
	}
	var expiresAt *time.Time
	if effective > 0 {
		t := c.now().Add(time.Duration(effective * float64(time.Second)))
		expiresAt = &t
	}

	exec, err := c.store.InsertExecution(ctx, store.NewExecution{
		WorkflowName: name,
		Input:        input,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("dflow: start workflow: %w", err)
	}
	return exec.ID, nil
}

type signalEnqueuedDetails struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SignalWorkflow implements §4.8 signal_workflow: it appends a signal_enqueued event at
// SpecialPos and wakes the execution if it is currently idle.
func (c *Client) SignalWorkflow(ctx context.Context, id, name string, payload []byte) error {
	details, err := json.Marshal(signalEnqueuedDetails{Name: name, Payload: json.RawMessage(payload)})
	if err != nil {
		return fmt.Errorf("dflow: marshal signal_enqueued: %w", err)
	}
	if _, err := c.store.InsertEvent(ctx, id, store.EventSignalEnqueued, store.SpecialPos, details); err != nil {
		return fmt.Errorf("dflow: signal workflow: %w", err)
	}
	if _, err := c.store.MarkPendingIfActive(ctx, id); err != nil {
		return fmt.Errorf("dflow: nudge workflow after signal: %w", err)
	}
	return nil
}

type workflowCanceledDetails struct {
	Reason string `json:"reason,omitempty"`
}

type childNotifyDetails struct {
	ErrorCode string `json:"error_code,omitempty"`
}

// CancelWorkflow implements §4.8 cancel_workflow: if the execution is non-terminal, it records
// a cancellation, fails its queued activities, notifies its parent, and recursively cancels
// every non-terminal descendant with reason "parent_canceled" (§7, §8 "Cascading cancel").
func (c *Client) CancelWorkflow(ctx context.Context, id, reason string) error {
	return c.cancel(ctx, id, reason, false)
}

// cancel cancels id with reason, recursing into every non-terminal descendant with reason
// "parent_canceled". cascaded distinguishes the root call (persisted error embeds the caller's
// reason, per §8 scenario 5: "Canceled: test") from a cascaded one (persisted error is the
// literal parent_canceled code, per the Universal Testable Property on cascading cancel).
func (c *Client) cancel(ctx context.Context, id, reason string, cascaded bool) error {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return fmt.Errorf("dflow: load execution: %w", err)
	}
	if exec.Status.Terminal() {
		return nil
	}

	details, err := json.Marshal(workflowCanceledDetails{Reason: reason})
	if err != nil {
		return fmt.Errorf("dflow: marshal workflow_canceled: %w", err)
	}
	if _, err := c.store.InsertEvent(ctx, id, store.EventWorkflowCanceled, store.SpecialPos, details); err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("dflow: append workflow_canceled: %w", err)
	}
	persistedError := dflowint.ErrCodeParentCanceled
	if !cascaded {
		persistedError = "Canceled: " + reason
	}
	if err := c.store.SetWorkflowTerminal(ctx, id, store.ExecutionCanceled, nil, &persistedError); err != nil {
		return fmt.Errorf("dflow: set canceled: %w", err)
	}
	if err := c.store.FailQueuedActivities(ctx, id, dflowint.ErrCodeWorkflowCanceled); err != nil {
		return fmt.Errorf("dflow: fail queued activities: %w", err)
	}

	if exec.Parent != nil && exec.ParentPos != nil {
		payload, err := json.Marshal(childNotifyDetails{ErrorCode: dflowint.ErrCodeWorkflowCanceled})
		if err != nil {
			return fmt.Errorf("dflow: marshal child notify: %w", err)
		}
		if _, err := c.store.InsertEvent(ctx, *exec.Parent, store.EventChildWorkflowCanceled, *exec.ParentPos, payload); err != nil && err != store.ErrDuplicateEvent {
			return fmt.Errorf("dflow: notify parent of cancel: %w", err)
		}
		if _, err := c.store.MarkPendingIfActive(ctx, *exec.Parent); err != nil {
			return fmt.Errorf("dflow: nudge parent after cancel: %w", err)
		}
	}

	children, err := c.store.NonTerminalChildren(ctx, id)
	if err != nil {
		return fmt.Errorf("dflow: list non-terminal children: %w", err)
	}
	for _, childID := range children {
		if err := c.cancel(ctx, childID, dflowint.ErrCodeParentCanceled, true); err != nil {
			return err
		}
	}
	return nil
}

// WaitOptions tunes WaitWorkflow's polling behaviour.
type WaitOptions struct {
	// Timeout bounds how long WaitWorkflow polls before returning WaitWorkflowTimeoutError. A
	// zero value means wait forever.
	Timeout time.Duration
	// PollInterval is the fixed delay between status checks. Defaults to 100ms.
	PollInterval time.Duration
}

// WaitWorkflow implements §4.8 wait_workflow: it polls the execution's status until it reaches
// a terminal state, returning its result on COMPLETED or the appropriate error for any other
// terminal status. It returns dflowint.WaitWorkflowTimeoutError if opts.Timeout elapses first;
// per §7 that error is never persisted, only returned to the caller.
func (c *Client) WaitWorkflow(ctx context.Context, id string, opts WaitOptions) (json.RawMessage, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = c.now().Add(opts.Timeout)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		exec, err := c.store.GetExecution(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dflow: load execution: %w", err)
		}
		if exec.Status.Terminal() {
			return c.outcome(exec)
		}
		if !deadline.IsZero() && !c.now().Before(deadline) {
			return nil, &dflowint.WaitWorkflowTimeoutError{ExecutionID: id}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) outcome(exec *store.WorkflowExecution) (json.RawMessage, error) {
	switch exec.Status {
	case store.ExecutionCompleted:
		return exec.Result, nil
	case store.ExecutionFailed:
		msg := ""
		if exec.Error != nil {
			msg = *exec.Error
		}
		return nil, dflowint.NewWorkflowError(exec.ID, errors.New(msg))
	case store.ExecutionCanceled:
		reason := ""
		if exec.Error != nil {
			reason = *exec.Error
		}
		return nil, &dflowint.CanceledError{Reason: reason}
	case store.ExecutionTimedOut:
		return nil, &dflowint.WorkflowTimeoutError{ChildID: exec.ID}
	default:
		return nil, fmt.Errorf("dflow: execution %s in unexpected terminal status %s", exec.ID, exec.Status)
	}
}
