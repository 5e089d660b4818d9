package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeStarter) StartWorkflow(_ context.Context, name string, _ []byte, _ *float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return "exec-" + name, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRegisterRejectsInvalidSpec(t *testing.T) {
	s := New(&fakeStarter{}, time.Millisecond, nil)
	err := s.Register(Entry{WorkflowName: "w", Spec: "not a cron spec"})
	require.Error(t, err)
}

func TestSchedulerFiresDueEntry(t *testing.T) {
	starter := &fakeStarter{}
	s := New(starter, 5*time.Millisecond, nil)
	require.NoError(t, s.Register(Entry{WorkflowName: "reminder", Spec: "* * * * *"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// Force an immediate firing rather than waiting up to a minute for "* * * * *" to elapse.
	s.mu.Lock()
	s.entries[0].next = time.Now().Add(-time.Second)
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for starter.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, starter.count(), 1)
}
