// Package testsuite provides an in-memory harness for driving workflow and activity functions
// without a Postgres store or a dispatcher process: every Drain call steps runnable workflows
// and executes due activities directly in the calling goroutine until the target execution
// reaches a terminal status.
package testsuite

import (
	"context"
	"fmt"
	"time"

	dflow "github.com/dflowhq/dflow"
	"github.com/dflowhq/dflow/internal/activity"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/stepper"
	"github.com/dflowhq/dflow/internal/store"
	"github.com/dflowhq/dflow/internal/store/memory"
)

// TestWorkflowEnvironment is an in-memory Store plus a Registry, with the Client/Stepper/Runner
// wired to drive work synchronously instead of waiting on a dispatcher's tick. It is meant for
// package-level unit tests, not as a production substitute for internal/dispatcher.
type TestWorkflowEnvironment struct {
	Store *memory.Store
	Reg   *registry.Registry

	client  *dflow.Client
	stepper *stepper.Stepper
	runner  *activity.Runner

	// PollInterval bounds how often Drain retries after a round made no progress (e.g. while
	// waiting on a Sleep's after_time to elapse). Defaults to 2ms.
	PollInterval time.Duration
}

// NewTestWorkflowEnvironment builds an empty environment. Register workflows/activities on its
// Reg before calling ExecuteWorkflow.
func NewTestWorkflowEnvironment() *TestWorkflowEnvironment {
	st := memory.New()
	reg := registry.New()
	return &TestWorkflowEnvironment{
		Store:        st,
		Reg:          reg,
		client:       dflow.NewClient(st, reg),
		stepper:      stepper.New(st, reg),
		runner:       activity.New(st, reg),
		PollInterval: 2 * time.Millisecond,
	}
}

// RegisterWorkflow adds fn under name with the given default policy.
func (e *TestWorkflowEnvironment) RegisterWorkflow(name string, fn registry.WorkflowFunc, policy registry.Policy) {
	e.Reg.RegisterWorkflow(name, fn, policy)
}

// RegisterActivity adds fn under name with the given default policy.
func (e *TestWorkflowEnvironment) RegisterActivity(name string, fn registry.ActivityFunc, policy registry.Policy) {
	e.Reg.RegisterActivity(name, fn, policy)
}

// ExecuteWorkflow starts name with input and drains the environment until its execution
// reaches a terminal status, or timeout elapses. Descendants are advanced along the way but
// may still be non-terminal when it returns.
func (e *TestWorkflowEnvironment) ExecuteWorkflow(ctx context.Context, name string, input []byte, timeout time.Duration) (string, error) {
	id, err := e.client.StartWorkflow(ctx, name, input, nil)
	if err != nil {
		return "", err
	}
	return id, e.Drain(ctx, id, timeout)
}

// Drain repeatedly steps every currently-runnable workflow and executes every currently-due
// activity until id's execution is terminal. This necessarily also advances id's descendants
// and any sibling executions sharing the same store, matching how a real dispatcher tick would
// make progress across the whole store, not just the one execution the caller is watching.
func (e *TestWorkflowEnvironment) Drain(ctx context.Context, id string, timeout time.Duration) error {
	interval := e.PollInterval
	if interval <= 0 {
		interval = 2 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		exec, err := e.Store.GetExecution(ctx, id)
		if err != nil {
			return fmt.Errorf("testsuite: load execution: %w", err)
		}
		if exec.Status.Terminal() {
			return nil
		}

		progressed, err := e.round(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			if time.Now().After(deadline) {
				return fmt.Errorf("testsuite: drain timed out waiting for %s", id)
			}
			time.Sleep(interval)
		}
	}
}

// round runs one pass of stepping runnable workflows and executing due activities. It reports
// whether anything happened, so Drain knows whether to sleep before retrying (e.g. while a
// Sleep's after_time is still in the future).
func (e *TestWorkflowEnvironment) round(ctx context.Context) (bool, error) {
	progressed := false

	ids, err := e.Store.RunnableWorkflows(ctx, 0)
	if err != nil {
		return false, fmt.Errorf("testsuite: list runnable workflows: %w", err)
	}
	for _, wid := range ids {
		claimed, err := e.stepper.Step(ctx, wid)
		if err != nil {
			return false, fmt.Errorf("testsuite: step %s: %w", wid, err)
		}
		progressed = progressed || claimed
	}

	tasks, err := e.Store.DueActivities(ctx, time.Now(), 0)
	if err != nil {
		return false, fmt.Errorf("testsuite: list due activities: %w", err)
	}
	for i := range tasks {
		if err := e.runner.Execute(ctx, &tasks[i]); err != nil {
			return false, fmt.Errorf("testsuite: execute activity %s: %w", tasks[i].ID, err)
		}
		progressed = true
	}

	return progressed, nil
}

// SignalWorkflow delivers a signal, per §4.8 signal_workflow.
func (e *TestWorkflowEnvironment) SignalWorkflow(ctx context.Context, id, name string, payload []byte) error {
	return e.client.SignalWorkflow(ctx, id, name, payload)
}

// CancelWorkflow cancels id and cascades to its non-terminal descendants, per §4.8
// cancel_workflow.
func (e *TestWorkflowEnvironment) CancelWorkflow(ctx context.Context, id, reason string) error {
	return e.client.CancelWorkflow(ctx, id, reason)
}

// Result returns id's outcome. The execution must already be terminal (Drain/ExecuteWorkflow
// guarantee this on a nil error return).
func (e *TestWorkflowEnvironment) Result(ctx context.Context, id string) ([]byte, error) {
	return e.client.WaitWorkflow(ctx, id, dflow.WaitOptions{PollInterval: time.Millisecond})
}

// History returns id's full event log, ordered by Seq, for assertions against §6.1's taxonomy.
func (e *TestWorkflowEnvironment) History(ctx context.Context, id string) ([]store.HistoryEvent, error) {
	return e.Store.ListHistory(ctx, id)
}

// GetExecution returns id's current row, for assertions on status/error/result directly.
func (e *TestWorkflowEnvironment) GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	return e.Store.GetExecution(ctx, id)
}
