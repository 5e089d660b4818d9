// Package memory is an in-process Store implementation (§4.2) backed by mutex-guarded maps.
// It satisfies the exact same conditional-update and ordering contracts as the Postgres
// implementation and is what the testsuite package (and most unit tests in this module) run
// against, mirroring how the teacher's own internal_workflow_testsuite.go stands in for a
// real server connection in tests.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pborman/uuid"

	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/store"
)

func unmarshalPolicy(raw []byte, out *backoff.Policy) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Store is a single in-process durable store. The zero value is not usable; construct with
// New.
type Store struct {
	mu sync.Mutex

	executions map[string]*store.WorkflowExecution
	tasks      map[string]*store.ActivityTask
	events     map[string][]store.HistoryEvent
	eventKeys  map[string]map[eventKey]bool
	claimed    map[string]bool
	nextSeq    int64
}

type eventKey struct {
	pos int
	typ store.EventType
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		executions: make(map[string]*store.WorkflowExecution),
		tasks:      make(map[string]*store.ActivityTask),
		events:     make(map[string][]store.HistoryEvent),
		eventKeys:  make(map[string]map[eventKey]bool),
		claimed:    make(map[string]bool),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) InsertExecution(_ context.Context, e store.NewExecution) (*store.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUTC()
	exec := &store.WorkflowExecution{
		ID:           uuid.New(),
		WorkflowName: e.WorkflowName,
		Input:        append([]byte(nil), e.Input...),
		Status:       store.ExecutionPending,
		StartedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    e.ExpiresAt,
		Parent:       e.Parent,
		ParentPos:    e.ParentPos,
	}
	s.executions[exec.ID] = exec
	cp := *exec
	return &cp, nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*store.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// ClaimWorkflow implements the skip-locked simulation: if the execution is already claimed by
// another in-flight call, or is not PENDING, it returns (false, nil) immediately rather than
// blocking -- the same behavior SELECT ... FOR UPDATE SKIP LOCKED gives a concurrent claimant.
func (s *Store) ClaimWorkflow(ctx context.Context, id string, fn func(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution) error) (bool, error) {
	s.mu.Lock()
	exec, ok := s.executions[id]
	if !ok || exec.Status != store.ExecutionPending || s.claimed[id] {
		s.mu.Unlock()
		return false, nil
	}
	s.claimed[id] = true
	cp := *exec
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.claimed, id)
		s.mu.Unlock()
	}()

	if err := fn(ctx, (*tx)(s), &cp); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) MarkPendingIfActive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if e.Status != store.ExecutionPending && e.Status != store.ExecutionRunning {
		return false, nil
	}
	e.Status = store.ExecutionPending
	e.UpdatedAt = nowUTC()
	return true, nil
}

func (s *Store) InsertActivityTask(_ context.Context, t store.NewActivityTask) (*store.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowUTC()
	task := &store.ActivityTask{
		ID:               uuid.New(),
		Execution:        t.Execution,
		ActivityName:     t.ActivityName,
		Pos:              t.Pos,
		Args:             append([]byte(nil), t.Args...),
		Kwargs:           append([]byte(nil), t.Kwargs...),
		Status:           store.TaskQueued,
		AfterTime:        t.AfterTime,
		ExpiresAt:        t.ExpiresAt,
		Attempt:          0,
		MaxAttempts:      t.MaxAttempts,
		HeartbeatTimeout: t.HeartbeatTimeout,
		UpdatedAt:        now,
	}
	if len(t.RetryPolicy) > 0 {
		_ = unmarshalPolicy(t.RetryPolicy, &task.RetryPolicy)
	}
	s.tasks[task.ID] = task
	cp := *task
	return &cp, nil
}

func (s *Store) GetActivityTask(_ context.Context, id string) (*store.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ClaimActivity(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != store.TaskQueued || t.AfterTime.After(now) {
		return false, nil
	}
	t.Status = store.TaskRunning
	t.UpdatedAt = nowUTC()
	return true, nil
}

func (s *Store) UpdateActivityTask(_ context.Context, t *store.ActivityTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *t
	cp.UpdatedAt = nowUTC()
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) Heartbeat(_ context.Context, id string, at time.Time, details []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.HeartbeatAt = &at
	if details != nil {
		t.HeartbeatDetails = append([]byte(nil), details...)
	}
	return nil
}

func (s *Store) InsertEvent(_ context.Context, execution string, typ store.EventType, pos int, details []byte) (*store.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEventLocked(execution, typ, pos, details)
}

// insertEventLocked assumes s.mu is already held by the caller (InsertEvent); ClaimWorkflow's
// callback reaches it through tx.InsertEvent, which takes the mutex itself.
func (s *Store) insertEventLocked(execution string, typ store.EventType, pos int, details []byte) (*store.HistoryEvent, error) {
	if pos != store.SpecialPos {
		keys := s.eventKeys[execution]
		if keys == nil {
			keys = make(map[eventKey]bool)
			s.eventKeys[execution] = keys
		}
		k := eventKey{pos: pos, typ: typ}
		if keys[k] {
			return nil, store.ErrDuplicateEvent
		}
		keys[k] = true
	}

	s.nextSeq++
	ev := store.HistoryEvent{
		Seq:       s.nextSeq,
		Execution: execution,
		Type:      typ,
		Pos:       pos,
		Details:   append([]byte(nil), details...),
		CreatedAt: nowUTC(),
	}
	s.events[execution] = append(s.events[execution], ev)
	cp := ev
	return &cp, nil
}

func (s *Store) ListHistory(_ context.Context, execution string) ([]store.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.events[execution]
	out := make([]store.HistoryEvent, len(src))
	copy(out, src)
	return out, nil
}

func (s *Store) DueActivities(_ context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ActivityTask
	for _, t := range s.tasks {
		if t.Status != store.TaskQueued || t.AfterTime.After(now) {
			continue
		}
		exec, ok := s.executions[t.Execution]
		if !ok || exec.Status.Terminal() {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RunnableWorkflows(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, e := range s.executions {
		if e.Status == store.ExecutionPending {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ExpiringQueuedActivities(_ context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ActivityTask
	for _, t := range s.tasks {
		if t.Status != store.TaskQueued || t.ExpiresAt == nil || t.ExpiresAt.After(now) {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ExpiringWorkflows(_ context.Context, now time.Time, limit int) ([]store.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.WorkflowExecution
	for _, e := range s.executions {
		if e.Status.Terminal() || e.ExpiresAt == nil || e.ExpiresAt.After(now) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) StaleHeartbeats(_ context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ActivityTask
	for _, t := range s.tasks {
		if t.Status != store.TaskRunning || t.HeartbeatTimeout == nil || t.HeartbeatAt == nil {
			continue
		}
		deadline := t.HeartbeatAt.Add(durationFromSeconds(*t.HeartbeatTimeout))
		if deadline.After(now) {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ExpiringRunningActivities(_ context.Context, now time.Time, limit int) ([]store.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ActivityTask
	for _, t := range s.tasks {
		if t.Status != store.TaskRunning || t.ExpiresAt == nil || t.ExpiresAt.After(now) {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) FailQueuedActivities(_ context.Context, execution string, errCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failQueuedActivitiesLocked(execution, errCode)
}

func (s *Store) failQueuedActivitiesLocked(execution string, errCode string) error {
	code := errCode
	for _, t := range s.tasks {
		if t.Execution != execution || t.Status != store.TaskQueued {
			continue
		}
		t.Status = store.TaskFailed
		t.Error = &code
		now := nowUTC()
		t.FinishedAt = &now
		t.UpdatedAt = now
	}
	return nil
}

func (s *Store) SetWorkflowTerminal(_ context.Context, id string, status store.ExecutionStatus, result []byte, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setWorkflowTerminalLocked(id, status, result, errMsg)
}

func (s *Store) setWorkflowTerminalLocked(id string, status store.ExecutionStatus, result []byte, errMsg *string) error {
	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status.Terminal() {
		return nil
	}
	e.Status = status
	if result != nil {
		e.Result = append([]byte(nil), result...)
	}
	e.Error = errMsg
	now := nowUTC()
	e.FinishedAt = &now
	e.UpdatedAt = now
	return nil
}

func (s *Store) SetWorkflowRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setWorkflowRunningLocked(id)
}

func (s *Store) setWorkflowRunningLocked(id string) error {
	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status.Terminal() {
		return nil
	}
	e.Status = store.ExecutionRunning
	e.UpdatedAt = nowUTC()
	return nil
}

func (s *Store) NonTerminalChildren(_ context.Context, parent string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, e := range s.executions {
		if e.Parent != nil && *e.Parent == parent && !e.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// tx shares Store's underlying struct so the conversion (*tx)(s) in ClaimWorkflow is a plain
// pointer reinterpretation; its methods simply forward to the equivalent *Store method,
// giving ClaimWorkflow's callback the store.Tx view §4.2 describes without a second set of
// maps to keep in sync.
type tx Store

var _ store.Tx = (*tx)(nil)

func (t *tx) store() *Store { return (*Store)(t) }

func (t *tx) InsertEvent(ctx context.Context, execution string, typ store.EventType, pos int, details []byte) (*store.HistoryEvent, error) {
	return t.store().InsertEvent(ctx, execution, typ, pos, details)
}

func (t *tx) ListHistory(ctx context.Context, execution string) ([]store.HistoryEvent, error) {
	return t.store().ListHistory(ctx, execution)
}

func (t *tx) InsertActivityTask(ctx context.Context, task store.NewActivityTask) (*store.ActivityTask, error) {
	return t.store().InsertActivityTask(ctx, task)
}

func (t *tx) SetWorkflowTerminal(ctx context.Context, id string, status store.ExecutionStatus, result []byte, errMsg *string) error {
	return t.store().SetWorkflowTerminal(ctx, id, status, result, errMsg)
}

func (t *tx) SetWorkflowRunning(ctx context.Context, id string) error {
	return t.store().SetWorkflowRunning(ctx, id)
}

func (t *tx) MarkPendingIfActive(ctx context.Context, id string) (bool, error) {
	return t.store().MarkPendingIfActive(ctx, id)
}

func (t *tx) InsertExecution(ctx context.Context, e store.NewExecution) (*store.WorkflowExecution, error) {
	return t.store().InsertExecution(ctx, e)
}

func (t *tx) GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	return t.store().GetExecution(ctx, id)
}

func nowUTC() time.Time { return time.Now().UTC() }

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
