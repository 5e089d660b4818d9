package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dflowhq/dflow/internal/activity"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/stepper"
	"github.com/dflowhq/dflow/internal/store"
)

// Follower reads one Request per line from in, executes it against store/registry, and writes
// one Response line to out. It is stateless apart from the store connection (§4.7): a follower
// never retains state across messages.
type Follower struct {
	store   store.Store
	step    *stepper.Stepper
	run     *activity.Runner
	maxJobs int
}

// NewFollower builds a Follower over st/reg. maxJobs bounds how many requests RunFollower will
// process before returning, a leak/liveness guard the dispatcher enforces by recycling the
// subprocess (§4.7 "maximum number of tasks per lifetime"). maxJobs<=0 means unbounded.
func NewFollower(st store.Store, reg *registry.Registry, maxJobs int) *Follower {
	return &Follower{store: st, step: stepper.New(st, reg), run: activity.New(st, reg), maxJobs: maxJobs}
}

// RunFollower drives the request/response loop over in/out until in is exhausted, an "exit"
// command arrives, or maxJobs requests have been handled. It never returns an error for a
// failed activity/workflow turn -- those are recorded in the store and acked normally; RunFollower
// only returns an error for a transport failure (malformed request, broken pipe).
func (f *Follower) RunFollower(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(out)

	jobs := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("follower: decode request: %w", err)
		}
		if req.Cmd == cmdExit {
			return nil
		}

		resp := f.handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("follower: encode response: %w", err)
		}

		jobs++
		if f.maxJobs > 0 && jobs >= f.maxJobs {
			return nil
		}
	}
	return scanner.Err()
}

func (f *Follower) handle(ctx context.Context, req Request) Response {
	var err error
	switch req.Cmd {
	case cmdActivity:
		err = f.handleActivity(ctx, req.ID)
	case cmdWorkflow:
		_, err = f.step.Step(ctx, req.ID)
	default:
		err = fmt.Errorf("follower: unknown command %q", req.Cmd)
	}
	if err != nil {
		return Response{OK: false, Error: err.Error(), ReqID: req.ReqID}
	}
	return Response{OK: true, ReqID: req.ReqID}
}

func (f *Follower) handleActivity(ctx context.Context, taskID string) error {
	task, err := f.store.GetActivityTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("follower: load task: %w", err)
	}
	return f.run.Execute(ctx, task)
}
