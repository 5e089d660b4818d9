// Package stepper drives one workflow turn (C5): claim the execution, replay it through to
// its next suspension point or terminal outcome, and persist exactly that outcome.
package stepper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opentracing/opentracing-go"

	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/replay"
	"github.com/dflowhq/dflow/internal/store"
)

// Stepper advances WorkflowExecutions by one turn at a time.
type Stepper struct {
	store store.Store
	reg   *registry.Registry
}

// New builds a Stepper over st using reg to resolve workflow callables.
func New(st store.Store, reg *registry.Registry) *Stepper {
	return &Stepper{store: st, reg: reg}
}

type workflowStartedDetails struct {
	Input json.RawMessage `json:"input"`
}

type workflowOutcomeDetails struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type childNotifyDetails struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// Step implements §4.5 step_workflow(id). It returns whether the execution was claimed (a
// false, nil result means another stepper already holds the lock, or the execution is not
// PENDING -- both are expected, not errors).
func (s *Stepper) Step(ctx context.Context, id string) (claimed bool, err error) {
	span := opentracing.GlobalTracer().StartSpan("step_workflow")
	span.SetTag("execution_id", id)
	defer span.Finish()

	return s.store.ClaimWorkflow(ctx, id, func(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution) error {
		return s.step(ctx, tx, exec)
	})
}

func (s *Stepper) step(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution) error {
	history, err := tx.ListHistory(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("stepper: list history: %w", err)
	}

	started := false
	for _, e := range history {
		if e.Pos == 0 && e.Type == store.EventWorkflowStarted {
			started = true
			break
		}
	}
	if !started {
		details, err := json.Marshal(workflowStartedDetails{Input: exec.Input})
		if err != nil {
			return fmt.Errorf("stepper: marshal workflow_started: %w", err)
		}
		evt, err := tx.InsertEvent(ctx, exec.ID, store.EventWorkflowStarted, 0, details)
		if err != nil && err != store.ErrDuplicateEvent {
			return fmt.Errorf("stepper: append workflow_started: %w", err)
		}
		if evt != nil {
			history = append(history, *evt)
		}
	}

	fn, _, err := s.reg.Workflow(exec.WorkflowName)
	if err != nil {
		return s.fail(ctx, tx, exec, err)
	}

	rctx := replay.New(ctx, tx, s.reg, exec, history, nil)
	result, suspended, runErr := replay.Run(fn, rctx, exec.Input)

	switch {
	case runErr != nil:
		return s.fail(ctx, tx, exec, runErr)
	case suspended:
		if err := tx.SetWorkflowRunning(ctx, exec.ID); err != nil {
			return fmt.Errorf("stepper: set running: %w", err)
		}
		return nil
	default:
		return s.complete(ctx, tx, exec, result)
	}
}

func (s *Stepper) complete(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("stepper: marshal result: %w", err)
	}
	details, err := json.Marshal(workflowOutcomeDetails{Result: resultJSON})
	if err != nil {
		return fmt.Errorf("stepper: marshal workflow_completed: %w", err)
	}
	if _, err := tx.InsertEvent(ctx, exec.ID, store.EventWorkflowCompleted, store.FinalPos, details); err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("stepper: append workflow_completed: %w", err)
	}
	if err := tx.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionCompleted, resultJSON, nil); err != nil {
		return fmt.Errorf("stepper: set terminal: %w", err)
	}
	return s.notifyParent(ctx, tx, exec, store.EventChildWorkflowCompleted, childNotifyDetails{Result: resultJSON})
}

func (s *Stepper) fail(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution, cause error) error {
	msg := cause.Error()

	details, err := json.Marshal(workflowOutcomeDetails{Error: msg})
	if err != nil {
		return fmt.Errorf("stepper: marshal workflow_failed: %w", err)
	}
	if _, err := tx.InsertEvent(ctx, exec.ID, store.EventWorkflowFailed, store.FinalPos, details); err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("stepper: append workflow_failed: %w", err)
	}
	if err := tx.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionFailed, nil, &msg); err != nil {
		return fmt.Errorf("stepper: set terminal: %w", err)
	}
	return s.notifyParent(ctx, tx, exec, store.EventChildWorkflowFailed, childNotifyDetails{Error: msg})
}

// notifyParent implements the §4.5 "notify parent" step: append an outcome event at
// parent_pos, then nudge the parent from RUNNING to PENDING so the dispatcher re-steps it.
func (s *Stepper) notifyParent(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution, typ store.EventType, details childNotifyDetails) error {
	if exec.Parent == nil || exec.ParentPos == nil {
		return nil
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("stepper: marshal child notify: %w", err)
	}
	if _, err := tx.InsertEvent(ctx, *exec.Parent, typ, *exec.ParentPos, payload); err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("stepper: notify parent: %w", err)
	}
	if _, err := tx.MarkPendingIfActive(ctx, *exec.Parent); err != nil {
		return fmt.Errorf("stepper: nudge parent: %w", err)
	}
	return nil
}
