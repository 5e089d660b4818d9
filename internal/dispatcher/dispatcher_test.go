package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	dflow "github.com/dflowhq/dflow/internal"
	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/store"
	"github.com/dflowhq/dflow/internal/store/memory"
)

// TestMain guards against leaking the readLoop/cmd.Wait goroutines spawnOne starts for every
// follower subprocess -- none of the tests below spawn a pool, but this is where that pool
// lives, so it's where a future test driving RunLoop against a real FollowerCommand would leak.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDispatcherForTest(st store.Store) *Dispatcher {
	return New(st, DefaultConfig(), nil, nil, nil)
}

func TestExpireRunningActivityScheduleToClose(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	policy := backoff.Policy{MaximumAttempts: 1}
	policyJSON, err := json.Marshal(policy)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	task, err := st.InsertActivityTask(ctx, store.NewActivityTask{
		Execution:    exec.ID,
		ActivityName: "slow",
		AfterTime:    past,
		ExpiresAt:    &past,
		MaxAttempts:  1,
		RetryPolicy:  policyJSON,
	})
	require.NoError(t, err)
	task.Status = store.TaskRunning
	task.Attempt = 1
	require.NoError(t, st.UpdateActivityTask(ctx, task))

	d := newDispatcherForTest(st)
	require.NoError(t, d.expireRunningActivities(ctx, time.Now()))

	got, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskTimedOut, got.Status)
	require.Equal(t, dflow.ErrCodeActivityTimeout, *got.Error)

	hist, err := st.ListHistory(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, store.EventActivityTimedOut, hist[0].Type)
}

func TestExpireRunningActivityRetriesWithinBudget(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	policy := backoff.Policy{Strategy: backoff.StrategyLinear, InitialInterval: 1, MaximumAttempts: 5}
	policyJSON, err := json.Marshal(policy)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	task, err := st.InsertActivityTask(ctx, store.NewActivityTask{
		Execution:    exec.ID,
		ActivityName: "slow",
		AfterTime:    past,
		ExpiresAt:    &past,
		MaxAttempts:  5,
		RetryPolicy:  policyJSON,
	})
	require.NoError(t, err)
	task.Status = store.TaskRunning
	task.Attempt = 1
	require.NoError(t, st.UpdateActivityTask(ctx, task))

	d := newDispatcherForTest(st)
	require.NoError(t, d.expireRunningActivities(ctx, time.Now()))

	got, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, got.Status)
	require.True(t, got.AfterTime.After(time.Now()))
}

func TestExpireStaleHeartbeatFailsWorkflow(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)
	require.NoError(t, st.SetWorkflowRunning(ctx, exec.ID))

	policy := backoff.Policy{MaximumAttempts: 1}
	policyJSON, err := json.Marshal(policy)
	require.NoError(t, err)

	timeout := 5.0
	past := time.Now().Add(-time.Hour)
	task, err := st.InsertActivityTask(ctx, store.NewActivityTask{
		Execution:        exec.ID,
		ActivityName:     "heartbeats",
		AfterTime:        past,
		MaxAttempts:      1,
		RetryPolicy:      policyJSON,
		HeartbeatTimeout: &timeout,
	})
	require.NoError(t, err)
	task.Status = store.TaskRunning
	task.Attempt = 1
	task.HeartbeatAt = &past
	require.NoError(t, st.UpdateActivityTask(ctx, task))

	d := newDispatcherForTest(st)
	require.NoError(t, d.expireStaleHeartbeats(ctx, time.Now()))

	gotTask, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskTimedOut, gotTask.Status)
	require.Equal(t, dflow.ErrCodeHeartbeatTimeout, *gotTask.Error)

	gotExec, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionFailed, gotExec.Status)
	require.NotNil(t, gotExec.Error)
	require.Equal(t, dflow.ErrCodeHeartbeatTimeout, *gotExec.Error)
}

func TestExpireWorkflowNotifiesParentAndFailsQueuedTasks(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	parent, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "parent"})
	require.NoError(t, err)
	require.NoError(t, st.SetWorkflowRunning(ctx, parent.ID))

	past := time.Now().Add(-time.Hour)
	pos := 0
	child, err := st.InsertExecution(ctx, store.NewExecution{
		WorkflowName: "child",
		ExpiresAt:    &past,
		Parent:       &parent.ID,
		ParentPos:    &pos,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetWorkflowRunning(ctx, child.ID))

	policyJSON, err := json.Marshal(backoff.Policy{})
	require.NoError(t, err)
	queuedTask, err := st.InsertActivityTask(ctx, store.NewActivityTask{
		Execution:    child.ID,
		ActivityName: "whatever",
		AfterTime:    time.Now().Add(time.Hour),
		RetryPolicy:  policyJSON,
	})
	require.NoError(t, err)

	d := newDispatcherForTest(st)
	require.NoError(t, d.expireWorkflows(ctx, time.Now()))

	gotChild, err := st.GetExecution(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionTimedOut, gotChild.Status)

	gotTask, err := st.GetActivityTask(ctx, queuedTask.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, gotTask.Status)
	require.Equal(t, dflow.ErrCodeWorkflowTimeout, *gotTask.Error)

	gotParent, err := st.GetExecution(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionPending, gotParent.Status)

	hist, err := st.ListHistory(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, store.EventChildWorkflowTimedOut, hist[0].Type)
}
