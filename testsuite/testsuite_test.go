package testsuite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dflowhq/dflow/internal/backoff"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store"
)

func TestSignalGateSuspendsThenWakesOnSignal(t *testing.T) {
	env := NewTestWorkflowEnvironment()
	env.RegisterWorkflow("gate", func(ctx registry.Context, input []byte) (interface{}, error) {
		payload, err := ctx.WaitSignal("go")
		if err != nil {
			return nil, err
		}
		var v string
		_ = json.Unmarshal(payload, &v)
		return map[string]string{"got": v}, nil
	}, registry.Policy{})

	ctx := context.Background()
	id, err := env.ExecuteWorkflow(ctx, "gate", nil, 20*time.Millisecond)
	require.Error(t, err) // drain times out: the workflow is parked on WaitSignal

	got, err := env.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionRunning, got.Status)

	require.NoError(t, env.SignalWorkflow(ctx, id, "go", []byte(`"hello"`)))
	require.NoError(t, env.Drain(ctx, id, time.Second))

	result, err := env.Result(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"got":"hello"}`, string(result))
}

func TestRetryBudgetExhaustionFailsWorkflow(t *testing.T) {
	env := NewTestWorkflowEnvironment()

	calls := 0
	env.RegisterActivity("always_fails", func(ctx context.Context, args, kwargs []byte) (interface{}, error) {
		calls++
		return nil, errors.New("boom")
	}, registry.Policy{})

	env.RegisterWorkflow("flaky", func(ctx registry.Context, input []byte) (interface{}, error) {
		opts := &registry.ActivityOptions{RetryPolicy: &backoff.Policy{InitialInterval: 0.01, MaximumAttempts: 2}}
		_, err := ctx.RunActivity("always_fails", nil, nil, opts)
		if err != nil {
			return nil, err
		}
		return "unreachable", nil
	}, registry.Policy{})

	ctx := context.Background()
	id, err := env.ExecuteWorkflow(ctx, "flaky", nil, time.Second)
	require.NoError(t, err)

	got, err := env.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, 2, calls)

	hist, err := env.History(ctx, id)
	require.NoError(t, err)
	var failed int
	for _, e := range hist {
		if e.Type == store.EventWorkflowFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)
}

func TestParentChildCompletionEndToEnd(t *testing.T) {
	env := NewTestWorkflowEnvironment()

	env.RegisterWorkflow("doubler", func(ctx registry.Context, input []byte) (interface{}, error) {
		var in struct {
			X int `json:"x"`
		}
		_ = json.Unmarshal(input, &in)
		return map[string]int{"y": in.X * 2}, nil
	}, registry.Policy{})
	env.RegisterWorkflow("caller", func(ctx registry.Context, input []byte) (interface{}, error) {
		childID, err := ctx.StartWorkflow("doubler", input, nil)
		if err != nil {
			return nil, err
		}
		result, err := ctx.WaitWorkflow(childID, nil)
		if err != nil {
			return nil, err
		}
		var child map[string]int
		if err := json.Unmarshal(result, &child); err != nil {
			return nil, err
		}
		return map[string]interface{}{"child": child}, nil
	}, registry.Policy{})

	ctx := context.Background()
	id, err := env.ExecuteWorkflow(ctx, "caller", []byte(`{"x":5}`), time.Second)
	require.NoError(t, err)

	result, err := env.Result(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"child":{"y":10}}`, string(result))
}

func TestCascadingCancelEndToEnd(t *testing.T) {
	env := NewTestWorkflowEnvironment()

	env.RegisterWorkflow("sleeper", func(ctx registry.Context, input []byte) (interface{}, error) {
		if err := ctx.Sleep(3600); err != nil {
			return nil, err
		}
		return "done", nil
	}, registry.Policy{})
	env.RegisterWorkflow("parent", func(ctx registry.Context, input []byte) (interface{}, error) {
		childID, err := ctx.StartWorkflow("sleeper", nil, nil)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.WaitWorkflow(childID, nil); err != nil {
			return nil, err
		}
		return "done", nil
	}, registry.Policy{})

	ctx := context.Background()
	id, err := env.client.StartWorkflow(ctx, "parent", nil, nil)
	require.NoError(t, err)

	// Drain until the parent has scheduled its child, the child is parked mid-sleep, and the
	// parent is parked waiting on the child.
	require.Error(t, env.Drain(ctx, id, 20*time.Millisecond))

	require.NoError(t, env.CancelWorkflow(ctx, id, "user requested"))

	got, err := env.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCanceled, got.Status)

	ids, err := env.Store.NonTerminalChildren(ctx, id)
	require.NoError(t, err)
	require.Len(t, ids, 0) // the cascade already canceled every descendant
}
