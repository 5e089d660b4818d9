package activity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dflow "github.com/dflowhq/dflow/internal"
	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store"
	"github.com/dflowhq/dflow/internal/store/memory"
)

func newTask(t *testing.T, st store.Store, execID, name string, policy backoff.Policy) *store.ActivityTask {
	t.Helper()
	policyJSON, err := json.Marshal(policy)
	require.NoError(t, err)
	task, err := st.InsertActivityTask(context.Background(), store.NewActivityTask{
		Execution:    execID,
		ActivityName: name,
		AfterTime:    time.Now().Add(-time.Second),
		MaxAttempts:  policy.MaximumAttempts,
		RetryPolicy:  policyJSON,
	})
	require.NoError(t, err)
	return task
}

func TestExecuteSucceeds(t *testing.T) {
	reg := registry.New()
	reg.RegisterActivity("echo", func(ctx context.Context, args, kwargs []byte) (interface{}, error) {
		var v []interface{}
		_ = json.Unmarshal(args, &v)
		return map[string]interface{}{"value": v[0]}, nil
	}, registry.Policy{})

	st := memory.New()
	ctx := context.Background()
	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	task := newTask(t, st, exec.ID, "echo", backoff.Policy{})
	task.Args, _ = json.Marshal([]interface{}{7})

	r := New(st, reg)
	require.NoError(t, r.Execute(ctx, task))

	got, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, got.Status)
	require.JSONEq(t, `{"value":7}`, string(got.Result))

	hist, err := st.ListHistory(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, store.EventActivityCompleted, hist[0].Type)
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	calls := 0
	reg := registry.New()
	reg.RegisterActivity("flaky", func(ctx context.Context, args, kwargs []byte) (interface{}, error) {
		calls++
		return nil, errors.New("boom")
	}, registry.Policy{})

	st := memory.New()
	ctx := context.Background()
	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)

	policy := backoff.Policy{Strategy: backoff.StrategyExponential, InitialInterval: 0.001, MaximumAttempts: 3}
	task := newTask(t, st, exec.ID, "flaky", policy)

	r := New(st, reg)
	for i := 0; i < 3; i++ {
		current, err := st.GetActivityTask(ctx, task.ID)
		require.NoError(t, err)
		require.NoError(t, r.Execute(ctx, current))
	}

	got, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, got.Status)
	require.Equal(t, 3, got.Attempt)
	require.Equal(t, 3, calls)
	require.NotNil(t, got.Error)
	require.Equal(t, "boom", *got.Error)

	hist, err := st.ListHistory(ctx, exec.ID)
	require.NoError(t, err)
	failedCount, completedCount := 0, 0
	for _, e := range hist {
		switch e.Type {
		case store.EventActivityFailed:
			failedCount++
		case store.EventActivityCompleted:
			completedCount++
		}
	}
	require.Equal(t, 1, failedCount) // only the terminal failure is appended by InsertEvent (pos 0, idempotent)
	require.Equal(t, 0, completedCount)

	var details activityOutcomeDetails
	for _, e := range hist {
		if e.Type == store.EventActivityFailed {
			require.NoError(t, json.Unmarshal(e.Details, &details))
		}
	}
	require.Equal(t, "boom", details.Error)
	require.Equal(t, dflow.ErrCodeActivityFailed, details.ErrorCode)
}

func TestExecuteUnknownActivityIsTerminal(t *testing.T) {
	reg := registry.New()
	st := memory.New()
	ctx := context.Background()
	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)
	task := newTask(t, st, exec.ID, "missing", backoff.Policy{MaximumAttempts: 5})

	r := New(st, reg)
	require.NoError(t, r.Execute(ctx, task))

	got, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, got.Status)
	require.Equal(t, 1, got.Attempt)
}

func TestExecuteOnTerminalWorkflowFailsImmediately(t *testing.T) {
	reg := registry.New()
	st := memory.New()
	ctx := context.Background()
	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)
	require.NoError(t, st.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionCanceled, nil, nil))

	task := newTask(t, st, exec.ID, "whatever", backoff.Policy{})
	r := New(st, reg)
	require.NoError(t, r.Execute(ctx, task))

	got, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, got.Status)
	require.Equal(t, dflow.ErrCodeWorkflowCanceled, *got.Error)
}

func TestSleepActivity(t *testing.T) {
	reg := registry.New()
	st := memory.New()
	ctx := context.Background()
	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "w"})
	require.NoError(t, err)
	task := newTask(t, st, exec.ID, store.SleepActivityName, backoff.Policy{})
	task.Args, _ = json.Marshal([]float64{1.5})

	r := New(st, reg)
	require.NoError(t, r.Execute(ctx, task))

	got, err := st.GetActivityTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, got.Status)
	require.JSONEq(t, `{"slept":1.5}`, string(got.Result))
}
