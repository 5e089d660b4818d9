// Package replay implements the deterministic replay context (C4): the object a workflow
// function is handed. Every call either answers from already-appended history (pure replay),
// appends a new intent and suspends, or fails deterministically.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	dflow "github.com/dflowhq/dflow/internal"
	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store"
)

// suspend is the internal sentinel panic value raised by any context operation that must wait
// for external progress. Workflow code never sees it: Run recovers it and reports Suspended
// instead of propagating a panic. This is the "bounded trampoline catches a dedicated Suspend
// signal" shape prescribed for replay control flow -- panic/recover is the idiomatic Go way to
// unwind an arbitrary call stack of ordinary, synchronous-looking workflow code without
// threading a Pending sentinel through every return value.
type suspend struct{ reason string }

// Context is the concrete implementation of registry.Context. One Context is constructed per
// step_workflow invocation and discarded afterwards; it is not safe for concurrent use and
// must not be retained past the call to Run.
type Context struct {
	ctx        context.Context
	tx         store.Tx
	reg        *registry.Registry
	execution  *store.WorkflowExecution
	byPos      map[int][]store.HistoryEvent
	pos        int
	now        func() time.Time
	sideEffect bool // set once any non-replay (new) write has happened this step
}

// New builds a replay Context over exec's history, read once via tx at the start of the step.
func New(ctx context.Context, tx store.Tx, reg *registry.Registry, exec *store.WorkflowExecution, history []store.HistoryEvent, now func() time.Time) *Context {
	if now == nil {
		now = time.Now
	}
	byPos := make(map[int][]store.HistoryEvent, len(history))
	for _, e := range history {
		byPos[e.Pos] = append(byPos[e.Pos], e)
	}
	return &Context{ctx: ctx, tx: tx, reg: reg, execution: exec, byPos: byPos, now: now}
}

var _ registry.Context = (*Context)(nil)

// Run invokes fn with ctx, converting a suspend panic into (nil, true, nil) and any other
// panic into a Go error rather than letting it escape to the stepper's goroutine.
func Run(fn registry.WorkflowFunc, ctx *Context, input []byte) (result interface{}, suspended bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if s, ok := r.(suspend); ok {
				_ = s
				suspended = true
				result, err = nil, nil
				return
			}
			err = fmt.Errorf("replay: workflow panicked: %v", r)
		}
	}()
	result, err = fn(ctx, input)
	return result, false, err
}

func (c *Context) bump() int {
	p := c.pos
	c.pos++
	return p
}

func (c *Context) eventsAt(pos int) []store.HistoryEvent {
	return c.byPos[pos]
}

func (c *Context) findAt(pos int, types ...store.EventType) *store.HistoryEvent {
	want := make(map[store.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	for i := range c.eventsAt(pos) {
		e := c.eventsAt(pos)[i]
		if want[e.Type] {
			return &e
		}
	}
	return nil
}

func fingerprint(args, kwargs []byte) (string, error) {
	var a dflow.Args
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a.Args); err != nil {
			return "", fmt.Errorf("replay: decode args: %w", err)
		}
	}
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &a.Kwargs); err != nil {
			return "", fmt.Errorf("replay: decode kwargs: %w", err)
		}
	}
	return dflow.Fingerprint(a)
}

type activityScheduledDetails struct {
	ActivityName     string         `json:"activity_name"`
	Input            string         `json:"input"`
	Timeout          *float64       `json:"timeout,omitempty"`
	HeartbeatTimeout *float64       `json:"heartbeat_timeout,omitempty"`
	RetryPolicy      backoff.Policy `json:"retry_policy"`
}

type activityOutcomeDetails struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// StartActivity implements §4.4 start_activity.
func (c *Context) StartActivity(name string, args []byte, kwargs []byte, opts *registry.ActivityOptions) (registry.Handle, error) {
	pos := c.bump()
	fp, err := fingerprint(args, kwargs)
	if err != nil {
		return 0, err
	}

	if evt := c.findAt(pos, store.EventActivityScheduled); evt != nil {
		var d activityScheduledDetails
		if err := json.Unmarshal(evt.Details, &d); err != nil {
			return 0, fmt.Errorf("replay: decode activity_scheduled at pos %d: %w", pos, err)
		}
		if d.ActivityName != name || d.Input != fp {
			return 0, &dflow.NondeterminismError{Pos: pos, Reason: fmt.Sprintf("replayed activity %q (input %s) but code now calls %q (input %s)", d.ActivityName, d.Input, name, fp)}
		}
		return registry.Handle(pos), nil
	}

	_, defaults, _ := c.reg.Activity(name) // unknown activities are only an error at execution time (C6)
	var overrideTimeout, overrideHeartbeat *float64
	var overridePolicy *backoff.Policy
	if opts != nil {
		overrideTimeout = opts.ScheduleToCloseTimeout
		overrideHeartbeat = opts.HeartbeatTimeout
		overridePolicy = opts.RetryPolicy
	}
	timeout := optFloat(overrideTimeout, defaults.ScheduleToCloseTimeout)
	heartbeat := optFloat(overrideHeartbeat, defaults.HeartbeatTimeout)
	policy := defaults.RetryPolicy
	if overridePolicy != nil {
		policy = *overridePolicy
	}

	now := c.now()
	afterTime := now
	if name == store.SleepActivityName {
		var seconds []float64
		if err := json.Unmarshal(args, &seconds); err == nil && len(seconds) > 0 {
			afterTime = now.Add(time.Duration(seconds[0] * float64(time.Second)))
		}
	}

	var expiresAt *time.Time
	if timeout != nil && *timeout > 0 {
		t := now.Add(time.Duration(*timeout * float64(time.Second)))
		expiresAt = &t
	}

	maxAttempts := policy.MaximumAttempts
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return 0, fmt.Errorf("replay: marshal retry policy: %w", err)
	}

	if _, err := c.tx.InsertActivityTask(c.ctx, store.NewActivityTask{
		Execution:        c.execution.ID,
		ActivityName:     name,
		Pos:              pos,
		Args:             args,
		Kwargs:           kwargs,
		AfterTime:        afterTime,
		ExpiresAt:        expiresAt,
		MaxAttempts:      maxAttempts,
		RetryPolicy:      policyJSON,
		HeartbeatTimeout: heartbeat,
	}); err != nil {
		return 0, fmt.Errorf("replay: insert activity task: %w", err)
	}

	details, err := json.Marshal(activityScheduledDetails{
		ActivityName:     name,
		Input:            fp,
		Timeout:          timeout,
		HeartbeatTimeout: heartbeat,
		RetryPolicy:      policy,
	})
	if err != nil {
		return 0, fmt.Errorf("replay: marshal activity_scheduled: %w", err)
	}
	if _, err := c.tx.InsertEvent(c.ctx, c.execution.ID, store.EventActivityScheduled, pos, details); err != nil && err != store.ErrDuplicateEvent {
		return 0, fmt.Errorf("replay: append activity_scheduled: %w", err)
	}
	c.sideEffect = true
	return registry.Handle(pos), nil
}

// WaitActivity implements §4.4 wait_activity.
func (c *Context) WaitActivity(handle registry.Handle, timeout *float64) ([]byte, error) {
	pos := int(handle)
	if evt := c.findAt(pos, store.EventActivityCompleted, store.EventActivityFailed, store.EventActivityTimedOut, store.EventActivityCanceled); evt != nil {
		var d activityOutcomeDetails
		if err := json.Unmarshal(evt.Details, &d); err != nil {
			return nil, fmt.Errorf("replay: decode activity outcome at pos %d: %w", pos, err)
		}
		name := c.scheduledName(pos)
		switch evt.Type {
		case store.EventActivityCompleted:
			return d.Result, nil
		case store.EventActivityFailed:
			return nil, dflow.NewActivityError(name, pos, fmt.Errorf("%s", d.Error))
		case store.EventActivityTimedOut:
			return nil, &dflow.ActivityTimeoutError{ActivityName: name, Pos: pos, ErrorCode: d.ErrorCode}
		case store.EventActivityCanceled:
			return nil, dflow.NewActivityError(name, pos, &dflow.CanceledError{Reason: d.Reason})
		}
	}

	if c.findAt(pos, store.EventActivityScheduled) != nil {
		if timeout != nil && *timeout == 0 {
			return nil, &dflow.WaitActivityTimeoutError{Pos: pos}
		}
		c.appendWaitMarker(pos, store.EventActivityWait)
		panic(suspend{reason: "wait_activity"})
	}

	return nil, &dflow.NondeterminismError{Pos: pos, Reason: "wait_activity on a handle with no ACTIVITY_SCHEDULED"}
}

func (c *Context) scheduledName(pos int) string {
	if evt := c.findAt(pos, store.EventActivityScheduled); evt != nil {
		var d activityScheduledDetails
		_ = json.Unmarshal(evt.Details, &d)
		return d.ActivityName
	}
	return ""
}

// appendWaitMarker records a *_WAIT observability marker at the slot pos; every replay
// re-appends it, and the (execution, pos, type) uniqueness constraint keeps it to one row.
func (c *Context) appendWaitMarker(pos int, typ store.EventType) {
	details, _ := json.Marshal(map[string]int{"pos": pos})
	_, err := c.tx.InsertEvent(c.ctx, c.execution.ID, typ, pos, details)
	if err != nil && err != store.ErrDuplicateEvent {
		panic(fmt.Errorf("replay: append wait marker: %w", err))
	}
}

// RunActivity implements §4.4 run_activity ≡ wait_activity(start_activity(...)).
func (c *Context) RunActivity(name string, args []byte, kwargs []byte, opts *registry.ActivityOptions) ([]byte, error) {
	handle, err := c.StartActivity(name, args, kwargs, opts)
	if err != nil {
		return nil, err
	}
	return c.WaitActivity(handle, nil)
}

// Sleep implements §4.4 sleep(seconds) ≡ run_activity("__sleep__", seconds).
func (c *Context) Sleep(seconds float64) error {
	args, _ := json.Marshal([]float64{seconds})
	_, err := c.RunActivity(store.SleepActivityName, args, nil, nil)
	return err
}

type signalEnqueuedDetails struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type signalConsumedDetails struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EnqueuedSeq int64           `json:"enqueued_seq"`
}

// WaitSignal implements §4.4 wait_signal.
func (c *Context) WaitSignal(name string) ([]byte, error) {
	pos := c.bump()

	if evt := c.findAt(pos, store.EventSignalConsumed); evt != nil {
		var d signalConsumedDetails
		if err := json.Unmarshal(evt.Details, &d); err != nil {
			return nil, fmt.Errorf("replay: decode signal_consumed at pos %d: %w", pos, err)
		}
		return d.Payload, nil
	}

	consumedSeqs := make(map[int64]bool)
	for _, events := range c.byPos {
		for _, e := range events {
			if e.Type == store.EventSignalConsumed {
				var d signalConsumedDetails
				if err := json.Unmarshal(e.Details, &d); err == nil {
					consumedSeqs[d.EnqueuedSeq] = true
				}
			}
		}
	}

	history, err := c.tx.ListHistory(c.ctx, c.execution.ID)
	if err != nil {
		return nil, fmt.Errorf("replay: list history for wait_signal: %w", err)
	}
	for _, e := range history {
		if e.Type != store.EventSignalEnqueued {
			continue
		}
		if consumedSeqs[e.Seq] {
			continue
		}
		var d signalEnqueuedDetails
		if err := json.Unmarshal(e.Details, &d); err != nil {
			continue
		}
		if d.Name != name {
			continue
		}
		details, _ := json.Marshal(signalConsumedDetails{Name: name, Payload: d.Payload, EnqueuedSeq: e.Seq})
		if _, err := c.tx.InsertEvent(c.ctx, c.execution.ID, store.EventSignalConsumed, pos, details); err != nil && err != store.ErrDuplicateEvent {
			return nil, fmt.Errorf("replay: append signal_consumed: %w", err)
		}
		c.sideEffect = true
		return d.Payload, nil
	}

	c.appendWaitMarker(pos, store.EventSignalWait)
	panic(suspend{reason: "wait_signal"})
}

type childScheduledDetails struct {
	ChildID      string          `json:"child_id"`
	WorkflowName string          `json:"workflow_name"`
	Input        json.RawMessage `json:"input"`
}

// StartWorkflow implements §4.4 start_workflow.
func (c *Context) StartWorkflow(name string, input []byte, timeout *float64) (string, error) {
	pos := c.bump()

	if evt := c.findAt(pos, store.EventChildWorkflowScheduled); evt != nil {
		var d childScheduledDetails
		if err := json.Unmarshal(evt.Details, &d); err != nil {
			return "", fmt.Errorf("replay: decode child_workflow_scheduled at pos %d: %w", pos, err)
		}
		return d.ChildID, nil
	}

	var expiresAt *time.Time
	now := c.now()
	if timeout != nil && *timeout > 0 {
		t := now.Add(time.Duration(*timeout * float64(time.Second)))
		expiresAt = &t
	}
	parentPos := pos
	child, err := c.tx.InsertExecution(c.ctx, store.NewExecution{
		WorkflowName: name,
		Input:        input,
		ExpiresAt:    expiresAt,
		Parent:       &c.execution.ID,
		ParentPos:    &parentPos,
	})
	if err != nil {
		return "", fmt.Errorf("replay: insert child execution: %w", err)
	}

	details, err := json.Marshal(childScheduledDetails{ChildID: child.ID, WorkflowName: name, Input: input})
	if err != nil {
		return "", fmt.Errorf("replay: marshal child_workflow_scheduled: %w", err)
	}
	if _, err := c.tx.InsertEvent(c.ctx, c.execution.ID, store.EventChildWorkflowScheduled, pos, details); err != nil && err != store.ErrDuplicateEvent {
		return "", fmt.Errorf("replay: append child_workflow_scheduled: %w", err)
	}
	c.sideEffect = true
	return child.ID, nil
}

type childOutcomeDetails struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// WaitWorkflow implements §4.4 wait_workflow.
func (c *Context) WaitWorkflow(childID string, timeout *float64) ([]byte, error) {
	pos := c.bump()

	// the matching handle is the pos at which StartWorkflow(childID) was scheduled; find it by
	// scanning history for the child_workflow_scheduled event carrying this childID.
	schedPos := -1
	for p, events := range c.byPos {
		for _, e := range events {
			if e.Type != store.EventChildWorkflowScheduled {
				continue
			}
			var d childScheduledDetails
			if json.Unmarshal(e.Details, &d) == nil && d.ChildID == childID {
				schedPos = p
			}
		}
	}
	if schedPos == -1 {
		return nil, &dflow.NondeterminismError{Pos: pos, Reason: "wait_workflow on a child id with no child_workflow_scheduled"}
	}

	if evt := c.findAt(schedPos, store.EventChildWorkflowCompleted, store.EventChildWorkflowFailed, store.EventChildWorkflowTimedOut, store.EventChildWorkflowCanceled); evt != nil {
		var d childOutcomeDetails
		if err := json.Unmarshal(evt.Details, &d); err != nil {
			return nil, fmt.Errorf("replay: decode child outcome at pos %d: %w", schedPos, err)
		}
		switch evt.Type {
		case store.EventChildWorkflowCompleted:
			return d.Result, nil
		case store.EventChildWorkflowFailed:
			if d.ErrorCode == dflow.ErrCodeWorkflowTimeout {
				return nil, &dflow.WorkflowTimeoutError{ChildID: childID}
			}
			return nil, dflow.NewWorkflowError(childID, fmt.Errorf("%s", d.Error))
		case store.EventChildWorkflowTimedOut:
			return nil, &dflow.WorkflowTimeoutError{ChildID: childID}
		case store.EventChildWorkflowCanceled:
			return nil, dflow.NewWorkflowError(childID, &dflow.CanceledError{Reason: d.Error})
		}
	}

	if timeout != nil && *timeout == 0 {
		return nil, &dflow.WaitWorkflowTimeoutError{ExecutionID: childID}
	}
	c.appendWaitMarker(schedPos, store.EventChildWorkflowWait)
	panic(suspend{reason: "wait_workflow"})
}

type versionMarkerDetails struct {
	ChangeID string `json:"change_id"`
	Version  int    `json:"version"`
}

// GetVersion implements §4.4 get_version.
func (c *Context) GetVersion(changeID string, version int) (int, error) {
	pos := c.bump()
	if evt := c.findAt(pos, store.EventVersionMarker); evt != nil {
		var d versionMarkerDetails
		if err := json.Unmarshal(evt.Details, &d); err != nil {
			return 0, fmt.Errorf("replay: decode version_marker at pos %d: %w", pos, err)
		}
		return d.Version, nil
	}
	details, err := json.Marshal(versionMarkerDetails{ChangeID: changeID, Version: version})
	if err != nil {
		return 0, fmt.Errorf("replay: marshal version_marker: %w", err)
	}
	if _, err := c.tx.InsertEvent(c.ctx, c.execution.ID, store.EventVersionMarker, pos, details); err != nil && err != store.ErrDuplicateEvent {
		return 0, fmt.Errorf("replay: append version_marker: %w", err)
	}
	c.sideEffect = true
	return version, nil
}

// Patched implements §4.4 patched(change_id) = get_version("patch:"+id, 1) >= 1.
func (c *Context) Patched(changeID string) (bool, error) {
	v, err := c.GetVersion("patch:"+changeID, 1)
	if err != nil {
		return false, err
	}
	return v >= 1, nil
}

// DeprecatePatch implements §4.4 deprecate_patch: reserves the slot without branching.
func (c *Context) DeprecatePatch(changeID string) error {
	_, err := c.GetVersion("patch:"+changeID, 1)
	return err
}

// CancelActivity implements §4.4 cancel_activity.
func (c *Context) CancelActivity(handle registry.Handle) error {
	details, _ := json.Marshal(activityOutcomeDetails{Reason: "canceled by workflow"})
	_, err := c.tx.InsertEvent(c.ctx, c.execution.ID, store.EventActivityCanceled, int(handle), details)
	if err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("replay: append activity_canceled: %w", err)
	}
	return nil
}

// CancelWorkflow implements §4.4 cancel_workflow for a child started from this workflow.
func (c *Context) CancelWorkflow(childID string) error {
	schedPos := -1
	for p, events := range c.byPos {
		for _, e := range events {
			if e.Type != store.EventChildWorkflowScheduled {
				continue
			}
			var d childScheduledDetails
			if json.Unmarshal(e.Details, &d) == nil && d.ChildID == childID {
				schedPos = p
			}
		}
	}
	if schedPos == -1 {
		return &dflow.NondeterminismError{Reason: "cancel_workflow on a child id with no child_workflow_scheduled"}
	}
	details, _ := json.Marshal(childOutcomeDetails{Error: "canceled by parent"})
	_, err := c.tx.InsertEvent(c.ctx, c.execution.ID, store.EventChildWorkflowCanceled, schedPos, details)
	if err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("replay: append child_workflow_canceled: %w", err)
	}
	return nil
}

// optFloat returns override if set, else fallback boxed as a pointer (nil if fallback is the
// unset zero value) -- the §4.4 "consume kwargs else inherit from registry" rule.
func optFloat(override *float64, fallback float64) *float64 {
	if override != nil {
		return override
	}
	if fallback > 0 {
		return &fallback
	}
	return nil
}
