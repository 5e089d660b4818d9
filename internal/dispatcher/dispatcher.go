package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/common/metrics"
	dflow "github.com/dflowhq/dflow/internal"
	"github.com/dflowhq/dflow/internal/store"
)

// Config tunes the dispatcher main loop, §4.7.
type Config struct {
	// TickInterval is how often the loop runs its four steps.
	TickInterval time.Duration
	// PoolSize is the number of idle follower subprocesses kept warm.
	PoolSize int
	// BatchLimit bounds how many rows each deadline/dispatch query returns per tick.
	BatchLimit int
	// FollowerMaxTasks recycles a follower after it has handled this many requests; 0 means
	// unbounded.
	FollowerMaxTasks int
}

// DefaultConfig matches the defaults named in §4.7 ("default 4" followers).
func DefaultConfig() Config {
	return Config{
		TickInterval:     200 * time.Millisecond,
		PoolSize:         4,
		BatchLimit:       50,
		FollowerMaxTasks: 200,
	}
}

// FollowerCommand builds one *exec.Cmd for a fresh follower subprocess. The dispatcher never
// inspects the command beyond wiring its Stdin/Stdout, so callers are free to re-exec the
// current binary with an internal flag/env var (see cmd/dflow-worker) or point at any binary
// that speaks the §6.4 wire protocol.
type FollowerCommand func(ctx context.Context) *exec.Cmd

// Dispatcher runs the long-lived loop of §4.7: enforce deadlines, claim due work, hand it to
// follower subprocesses, reap them.
type Dispatcher struct {
	store   store.Store
	cfg     Config
	spawn   FollowerCommand
	logger  *zap.Logger
	metrics *metrics.TaggedScope

	mu      sync.Mutex
	idle    []*followerProc
	busy    map[*followerProc]struct{}
	nextIdx int
}

// New builds a Dispatcher. logger/scope may be nil; a nil logger falls back to zap.NewNop(), a
// nil scope to metrics.NewTaggedScope(nil) (tally.NoopScope).
func New(st store.Store, cfg Config, spawn FollowerCommand, logger *zap.Logger, scope *metrics.TaggedScope) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = metrics.NewTaggedScope(nil)
	}
	return &Dispatcher{
		store:   st,
		cfg:     cfg,
		spawn:   spawn,
		logger:  logger,
		metrics: scope,
		busy:    make(map[*followerProc]struct{}),
	}
}

// followerProc is one live follower subprocess and the plumbing to talk to it.
type followerProc struct {
	idx      int
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	resp     chan Response
	exited   chan struct{}
	kind     string
	taskID   string
	reqID    string
	deadline time.Time
}

func (d *Dispatcher) spawnOne(ctx context.Context) (*followerProc, error) {
	cmd := d.spawn(ctx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("dispatcher: start follower: %w", err)
	}

	d.mu.Lock()
	d.nextIdx++
	idx := d.nextIdx
	d.mu.Unlock()

	fp := &followerProc{
		idx:    idx,
		cmd:    cmd,
		stdin:  stdin,
		resp:   make(chan Response, 1),
		exited: make(chan struct{}),
	}
	go fp.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		close(fp.exited)
	}()
	return fp, nil
}

func (fp *followerProc) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		fp.resp <- resp
	}
}

func (fp *followerProc) send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = fp.stdin.Write(data)
	return err
}

func (fp *followerProc) kill() {
	if fp.cmd.Process != nil {
		_ = fp.cmd.Process.Kill()
	}
}

// ensurePool tops the idle pool up to cfg.PoolSize.
func (d *Dispatcher) ensurePool(ctx context.Context) {
	d.mu.Lock()
	need := d.cfg.PoolSize - len(d.idle) - len(d.busy)
	d.mu.Unlock()
	for i := 0; i < need; i++ {
		fp, err := d.spawnOne(ctx)
		if err != nil {
			d.logger.Error("dispatcher: spawn follower failed", zap.Error(err))
			return
		}
		d.mu.Lock()
		d.idle = append(d.idle, fp)
		d.mu.Unlock()
	}
}

// takeIdle pops one idle follower, or nil if none are free.
func (d *Dispatcher) takeIdle() *followerProc {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.idle) == 0 {
		return nil
	}
	fp := d.idle[len(d.idle)-1]
	d.idle = d.idle[:len(d.idle)-1]
	d.busy[fp] = struct{}{}
	return fp
}

func (d *Dispatcher) releaseIdle(fp *followerProc) {
	d.mu.Lock()
	delete(d.busy, fp)
	fp.kind, fp.taskID = "", ""
	fp.deadline = time.Time{}
	d.idle = append(d.idle, fp)
	d.mu.Unlock()
}

func (d *Dispatcher) dropBusy(fp *followerProc) {
	d.mu.Lock()
	delete(d.busy, fp)
	d.mu.Unlock()
}

// RunLoop runs the dispatcher until ctx is canceled. It owns the follower pool for its entire
// lifetime: on return every spawned subprocess has been sent "exit" or killed.
func (d *Dispatcher) RunLoop(ctx context.Context) error {
	d.logger.Info("dispatcher: starting", zap.String("engine_version", dflow.EngineVersion), zap.Int("pool_size", d.cfg.PoolSize))
	d.ensurePool(ctx)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.metrics.Inc(metrics.DispatcherTick)
			now := time.Now()
			if err := d.enforceDeadlines(ctx, now); err != nil {
				d.logger.Error("dispatcher: enforce deadlines", zap.Error(err))
			}
			d.ensurePool(ctx)
			if err := d.dispatchActivities(ctx, now); err != nil {
				d.logger.Error("dispatcher: dispatch activities", zap.Error(err))
			}
			if err := d.dispatchWorkflows(ctx); err != nil {
				d.logger.Error("dispatcher: dispatch workflows", zap.Error(err))
			}
			d.reapFollowers(ctx, now)
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	all := append(append([]*followerProc{}, d.idle...), busyList(d.busy)...)
	d.idle = nil
	d.busy = make(map[*followerProc]struct{})
	d.mu.Unlock()
	for _, fp := range all {
		_ = fp.send(Request{Cmd: cmdExit})
		fp.kill()
	}
}

func busyList(m map[*followerProc]struct{}) []*followerProc {
	out := make([]*followerProc, 0, len(m))
	for fp := range m {
		out = append(out, fp)
	}
	return out
}

// dispatchActivities implements §4.7 step 1.
func (d *Dispatcher) dispatchActivities(ctx context.Context, now time.Time) error {
	due, err := d.store.DueActivities(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("dispatcher: list due activities: %w", err)
	}
	for _, task := range due {
		fp := d.takeIdle()
		if fp == nil {
			// No idle followers this tick; the task is left QUEUED (unclaimed) so a later
			// tick, or another dispatcher, can claim it.
			break
		}
		claimed, err := d.store.ClaimActivity(ctx, task.ID, now)
		if err != nil {
			d.releaseIdle(fp)
			return fmt.Errorf("dispatcher: claim activity %s: %w", task.ID, err)
		}
		if !claimed {
			d.releaseIdle(fp)
			continue
		}
		fp.kind, fp.taskID, fp.reqID = cmdActivity, task.ID, uuid.New().String()
		if task.ExpiresAt != nil {
			fp.deadline = *task.ExpiresAt
		}
		if err := fp.send(Request{Cmd: cmdActivity, ID: task.ID, ReqID: fp.reqID}); err != nil {
			d.logger.Error("dispatcher: send activity request", zap.String("task", task.ID), zap.Error(err))
			d.dropBusy(fp)
			fp.kill()
		}
	}
	return nil
}

// dispatchWorkflows implements §4.7 step 2.
func (d *Dispatcher) dispatchWorkflows(ctx context.Context) error {
	ids, err := d.store.RunnableWorkflows(ctx, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("dispatcher: list runnable workflows: %w", err)
	}
	for _, id := range ids {
		fp := d.takeIdle()
		if fp == nil {
			continue
		}
		fp.kind, fp.taskID, fp.reqID = cmdWorkflow, id, uuid.New().String()
		if err := fp.send(Request{Cmd: cmdWorkflow, ID: id, ReqID: fp.reqID}); err != nil {
			d.logger.Error("dispatcher: send workflow request", zap.String("execution", id), zap.Error(err))
			d.dropBusy(fp)
			fp.kill()
		}
	}
	return nil
}

// reapFollowers implements §4.7 step 3.
func (d *Dispatcher) reapFollowers(ctx context.Context, now time.Time) {
	d.mu.Lock()
	busy := busyList(d.busy)
	d.mu.Unlock()

	for _, fp := range busy {
		select {
		case resp := <-fp.resp:
			if resp.ReqID != "" && resp.ReqID != fp.reqID {
				d.logger.Warn("dispatcher: response req_id mismatch, follower protocol out of sync",
					zap.String("expected", fp.reqID), zap.String("got", resp.ReqID))
			}
			d.releaseIdle(fp)
			continue
		case <-fp.exited:
			d.dropBusy(fp)
			continue
		default:
		}

		if !fp.deadline.IsZero() && !fp.deadline.After(now) {
			d.logger.Warn("dispatcher: killing follower past deadline",
				zap.String("kind", fp.kind), zap.String("id", fp.taskID))
			d.dropBusy(fp)
			fp.kill()
			continue
		}
	}
}

// enforceDeadlines implements §4.7 step 0, in the order the spec lists its four bullets.
func (d *Dispatcher) enforceDeadlines(ctx context.Context, now time.Time) error {
	if err := d.expireQueuedActivities(ctx, now); err != nil {
		return err
	}
	if err := d.expireWorkflows(ctx, now); err != nil {
		return err
	}
	if err := d.expireStaleHeartbeats(ctx, now); err != nil {
		return err
	}
	if err := d.expireRunningActivities(ctx, now); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) expireQueuedActivities(ctx context.Context, now time.Time) error {
	tasks, err := d.store.ExpiringQueuedActivities(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list expiring queued activities: %w", err)
	}
	for i := range tasks {
		if err := d.retryOrTimeout(ctx, &tasks[i], dflow.ErrCodeActivityTimeout, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) expireRunningActivities(ctx context.Context, now time.Time) error {
	tasks, err := d.store.ExpiringRunningActivities(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list expiring running activities: %w", err)
	}
	for i := range tasks {
		if err := d.retryOrTimeout(ctx, &tasks[i], dflow.ErrCodeActivityTimeout, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) expireStaleHeartbeats(ctx context.Context, now time.Time) error {
	tasks, err := d.store.StaleHeartbeats(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list stale heartbeats: %w", err)
	}
	for i := range tasks {
		task := &tasks[i]
		exhausted := backoff.ExhaustedAttempts(task.RetryPolicy, task.Attempt)
		if err := d.retryOrTimeout(ctx, task, dflow.ErrCodeHeartbeatTimeout, now); err != nil {
			return err
		}
		if exhausted {
			// Heartbeat exhaustion is fatal for the workflow, not just the activity (§7).
			msg := dflow.ErrCodeHeartbeatTimeout
			if err := d.store.SetWorkflowTerminal(ctx, task.Execution, store.ExecutionFailed, nil, &msg); err != nil {
				return fmt.Errorf("fail workflow on heartbeat exhaustion: %w", err)
			}
		}
	}
	return nil
}

// retryOrTimeout implements the shared "retry or TIMED_OUT" policy used by all three
// deadline-expiry bullets of §4.7 step 0.
func (d *Dispatcher) retryOrTimeout(ctx context.Context, task *store.ActivityTask, errCode string, now time.Time) error {
	if task.Attempt > 0 && !backoff.ExhaustedAttempts(task.RetryPolicy, task.Attempt) {
		delay := backoff.NextDelay(task.RetryPolicy, task.Attempt)
		task.Status = store.TaskQueued
		task.AfterTime = now.Add(time.Duration(delay * float64(time.Second)))
		return d.store.UpdateActivityTask(ctx, task)
	}

	task.Status = store.TaskTimedOut
	task.Error = &errCode
	task.FinishedAt = &now
	if err := d.store.UpdateActivityTask(ctx, task); err != nil {
		return fmt.Errorf("mark activity timed out: %w", err)
	}
	details, err := json.Marshal(struct {
		ErrorCode string `json:"error_code"`
	}{ErrorCode: errCode})
	if err != nil {
		return err
	}
	if _, err := d.store.InsertEvent(ctx, task.Execution, store.EventActivityTimedOut, task.Pos, details); err != nil && err != store.ErrDuplicateEvent {
		return fmt.Errorf("append activity_timed_out: %w", err)
	}
	_, err = d.store.MarkPendingIfActive(ctx, task.Execution)
	return err
}

func (d *Dispatcher) expireWorkflows(ctx context.Context, now time.Time) error {
	execs, err := d.store.ExpiringWorkflows(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list expiring workflows: %w", err)
	}
	for i := range execs {
		exec := &execs[i]
		details, err := json.Marshal(struct{}{})
		if err != nil {
			return err
		}
		if _, err := d.store.InsertEvent(ctx, exec.ID, store.EventWorkflowTimedOut, store.SpecialPos, details); err != nil && err != store.ErrDuplicateEvent {
			return fmt.Errorf("append workflow_timed_out: %w", err)
		}
		msg := dflow.ErrCodeWorkflowTimeout
		if err := d.store.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionTimedOut, nil, &msg); err != nil {
			return fmt.Errorf("set workflow timed out: %w", err)
		}
		if err := d.store.FailQueuedActivities(ctx, exec.ID, dflow.ErrCodeWorkflowTimeout); err != nil {
			return fmt.Errorf("fail queued activities on workflow timeout: %w", err)
		}
		if exec.Parent != nil && exec.ParentPos != nil {
			childDetails, err := json.Marshal(struct {
				ErrorCode string `json:"error_code"`
			}{ErrorCode: dflow.ErrCodeWorkflowTimeout})
			if err != nil {
				return err
			}
			if _, err := d.store.InsertEvent(ctx, *exec.Parent, store.EventChildWorkflowTimedOut, *exec.ParentPos, childDetails); err != nil && err != store.ErrDuplicateEvent {
				return fmt.Errorf("notify parent of child timeout: %w", err)
			}
			if _, err := d.store.MarkPendingIfActive(ctx, *exec.Parent); err != nil {
				return fmt.Errorf("nudge parent after child timeout: %w", err)
			}
		}
	}
	return nil
}
