package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dflowhq/dflow/internal/store"
)

func TestInsertEventIdempotentUnderDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec, err := s.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	_, err = s.InsertEvent(ctx, exec.ID, store.EventActivityScheduled, 0, []byte(`{}`))
	require.NoError(t, err)

	_, err = s.InsertEvent(ctx, exec.ID, store.EventActivityScheduled, 0, []byte(`{}`))
	require.ErrorIs(t, err, store.ErrDuplicateEvent)

	hist, err := s.ListHistory(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestInsertEventSpecialPosAllowsDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec, err := s.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	_, err = s.InsertEvent(ctx, exec.ID, store.EventSignalEnqueued, store.SpecialPos, []byte(`{"name":"go"}`))
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, exec.ID, store.EventSignalEnqueued, store.SpecialPos, []byte(`{"name":"go"}`))
	require.NoError(t, err)

	hist, err := s.ListHistory(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}

func TestClaimActivityExclusivity(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec, err := s.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)
	task, err := s.InsertActivityTask(ctx, store.NewActivityTask{Execution: exec.ID, ActivityName: "echo", AfterTime: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimActivity(ctx, task.ID, time.Now())
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestClaimWorkflowSkipsAlreadyClaimed(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec, err := s.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		claimed, err := s.ClaimWorkflow(ctx, exec.ID, func(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution) error {
			close(entered)
			<-release
			return nil
		})
		require.NoError(t, err)
		require.True(t, claimed)
	}()

	<-entered
	claimed, err := s.ClaimWorkflow(ctx, exec.ID, func(ctx context.Context, tx store.Tx, exec *store.WorkflowExecution) error {
		t.Fatal("should not run concurrently")
		return nil
	})
	require.NoError(t, err)
	require.False(t, claimed)
	close(release)
}

func TestStickyTerminality(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec, err := s.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	require.NoError(t, s.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionCompleted, []byte(`{"ok":true}`), nil))

	errMsg := "late failure"
	require.NoError(t, s.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionFailed, nil, &errMsg))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, got.Status)
	require.Nil(t, got.Error)
}

func TestMarkPendingIfActiveRejectsTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec, err := s.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)
	require.NoError(t, s.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionCanceled, nil, nil))

	changed, err := s.MarkPendingIfActive(ctx, exec.ID)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestDueActivitiesExcludesTerminalExecution(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec, err := s.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)
	_, err = s.InsertActivityTask(ctx, store.NewActivityTask{Execution: exec.ID, ActivityName: "echo", AfterTime: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	due, err := s.DueActivities(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionCanceled, nil, nil))
	due, err = s.DueActivities(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 0)
}
