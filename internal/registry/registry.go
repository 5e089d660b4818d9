// Package registry maps workflow/activity names to callables and to the default policy
// metadata attached at registration time (C3).
package registry

import (
	"context"

	dflow "github.com/dflowhq/dflow/internal"
	"github.com/dflowhq/dflow/internal/backoff"
)

// WorkflowFunc is a registered workflow body. ctx exposes the §4.4 context operations;
// input/output must be JSON-serialisable per §6.6.
type WorkflowFunc func(ctx Context, input []byte) (interface{}, error)

// ActivityFunc is a registered activity body. A running activity reaches activity_heartbeat
// through ctx (see internal/activity.Runner.Heartbeat).
type ActivityFunc func(ctx context.Context, args []byte, kwargs []byte) (interface{}, error)

// Handle identifies a scheduled activity or child workflow by its slot position, returned
// from StartActivity/StartWorkflow and consumed by the matching Wait*/Cancel* call.
type Handle int

// Context is the §4.4 replay context contract. internal/replay.Context is the only
// implementation; it is declared here, rather than imported, so registry has no dependency on
// replay (replay depends on registry to resolve default policies at schedule time).
type Context interface {
	// StartActivity schedules name(args, kwargs) if not already scheduled at the current slot,
	// advances the slot, and returns its Handle. opts may be nil to inherit registry defaults.
	StartActivity(name string, args []byte, kwargs []byte, opts *ActivityOptions) (Handle, error)
	// WaitActivity blocks (suspends) until the activity at handle has an outcome, or returns
	// immediately if replay already recorded one. timeout == 0 means don't wait at all.
	WaitActivity(handle Handle, timeout *float64) ([]byte, error)
	// RunActivity is StartActivity followed by WaitActivity(nil timeout).
	RunActivity(name string, args []byte, kwargs []byte, opts *ActivityOptions) ([]byte, error)
	// Sleep suspends the workflow until seconds have elapsed, via the reserved __sleep__
	// activity.
	Sleep(seconds float64) error
	// WaitSignal suspends until a signal named name has been enqueued and not yet consumed.
	WaitSignal(name string) ([]byte, error)
	// StartWorkflow schedules a child workflow and returns its id.
	StartWorkflow(name string, input []byte, timeout *float64) (string, error)
	// WaitWorkflow blocks until the child workflow at childID reaches a terminal outcome.
	WaitWorkflow(childID string, timeout *float64) ([]byte, error)
	// GetVersion records or replays a version marker for change_id: the first call appends the
	// marker with the given version and returns it; later replays return the recorded version
	// regardless of what version the caller now passes.
	GetVersion(changeID string, version int) (int, error)
	// Patched reports whether change_id's marker is present and non-zero.
	Patched(changeID string) (bool, error)
	// DeprecatePatch reserves change_id's slot without branching workflow logic on it.
	DeprecatePatch(changeID string) error
	// CancelActivity appends a cancellation marker for a previously scheduled activity.
	CancelActivity(handle Handle) error
	// CancelWorkflow appends a cancellation marker for a previously scheduled child workflow.
	CancelWorkflow(childID string) error
}

// ActivityOptions overrides registry defaults for one StartActivity call (§4.4).
type ActivityOptions struct {
	ScheduleToCloseTimeout *float64
	HeartbeatTimeout       *float64
	RetryPolicy            *backoff.Policy
}

// Policy is the default timeout/heartbeat/retry metadata attached to a registered callable.
// A caller overriding any field at schedule time takes precedence over these defaults (§4.4).
type Policy struct {
	ScheduleToCloseTimeout float64
	HeartbeatTimeout       float64
	RetryPolicy            backoff.Policy
}

type workflowEntry struct {
	fn     WorkflowFunc
	policy Policy
}

type activityEntry struct {
	fn     ActivityFunc
	policy Policy
}

// Registry holds the two name→callable maps of §4.3. The zero value is not usable; use New.
type Registry struct {
	workflows  map[string]workflowEntry
	activities map[string]activityEntry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		workflows:  make(map[string]workflowEntry),
		activities: make(map[string]activityEntry),
	}
}

// RegisterWorkflow adds fn under name with the given default policy. Re-registering the same
// name overwrites the previous entry; callers own sequencing this at process start.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc, policy Policy) {
	r.workflows[name] = workflowEntry{fn: fn, policy: policy}
}

// RegisterActivity adds fn under name with the given default policy.
func (r *Registry) RegisterActivity(name string, fn ActivityFunc, policy Policy) {
	r.activities[name] = activityEntry{fn: fn, policy: policy}
}

// Workflow looks up a registered workflow. Returns *dflow.UnknownWorkflowError on a miss.
func (r *Registry) Workflow(name string) (WorkflowFunc, Policy, error) {
	e, ok := r.workflows[name]
	if !ok {
		return nil, Policy{}, &dflow.UnknownWorkflowError{Name: name}
	}
	return e.fn, e.policy, nil
}

// Activity looks up a registered activity. Returns *dflow.UnknownActivityError on a miss.
func (r *Registry) Activity(name string) (ActivityFunc, Policy, error) {
	e, ok := r.activities[name]
	if !ok {
		return nil, Policy{}, &dflow.UnknownActivityError{Name: name}
	}
	return e.fn, e.policy, nil
}

// HasWorkflow reports whether name is registered, without the error-allocation cost of
// Workflow — used by Client.StartWorkflow to reject unknown names before inserting an execution.
func (r *Registry) HasWorkflow(name string) bool {
	_, ok := r.workflows[name]
	return ok
}

// HasActivity reports whether name is registered.
func (r *Registry) HasActivity(name string) bool {
	_, ok := r.activities[name]
	return ok
}
