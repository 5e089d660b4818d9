// Package metrics provides a thin tagging layer over tally.Scope used by the dispatcher to
// emit counters/timers without every caller re-deriving tag maps.
package metrics

import (
	"time"

	"github.com/uber-go/tally"
)

// Scope names shared between the dispatcher and any exporter wired up by the embedding
// application (tally.NoopScope by default -- see NewTaggedScope).
const (
	ActivityClaimed   = "activity_claimed"
	ActivityCompleted = "activity_completed"
	ActivityFailed    = "activity_failed"
	ActivityTimedOut  = "activity_timed_out"
	WorkflowStepped   = "workflow_stepped"
	WorkflowCompleted = "workflow_completed"
	WorkflowFailed    = "workflow_failed"
	DispatcherTick    = "dispatcher_tick"
)

// TaggedScope wraps a tally.Scope with the dflow-specific counters/timers. A nil root scope
// falls back to tally.NoopScope so components can unconditionally call through this type
// without a nil check at every call site.
type TaggedScope struct {
	scope tally.Scope
}

// NewTaggedScope wraps root, or tally.NoopScope if root is nil.
func NewTaggedScope(root tally.Scope) *TaggedScope {
	if root == nil {
		root = tally.NoopScope
	}
	return &TaggedScope{scope: root}
}

// Inc increments the named counter by one.
func (s *TaggedScope) Inc(name string) {
	s.scope.Counter(name).Inc(1)
}

// Timer records d against the named timer.
func (s *TaggedScope) Timer(name string, d time.Duration) {
	s.scope.Timer(name).Record(d)
}

// Tagged returns a child scope with the given tags, mirroring tally.Scope.Tagged so callers
// don't need to import tally directly just to attach a workflow/activity name.
func (s *TaggedScope) Tagged(tags map[string]string) *TaggedScope {
	return &TaggedScope{scope: s.scope.Tagged(tags)}
}
