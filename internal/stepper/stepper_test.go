package stepper

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store"
	"github.com/dflowhq/dflow/internal/store/memory"
)

func TestStepCompletesImmediateWorkflow(t *testing.T) {
	reg := registry.New()
	reg.RegisterWorkflow("echo", func(ctx registry.Context, input []byte) (interface{}, error) {
		var v map[string]interface{}
		_ = json.Unmarshal(input, &v)
		return v, nil
	}, registry.Policy{})

	st := memory.New()
	s := New(st, reg)
	ctx := context.Background()

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "echo", Input: []byte(`{"v":7}`)})
	require.NoError(t, err)

	claimed, err := s.Step(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, got.Status)
	require.JSONEq(t, `{"v":7}`, string(got.Result))
}

func TestStepSuspendsOnSleep(t *testing.T) {
	reg := registry.New()
	reg.RegisterWorkflow("napper", func(ctx registry.Context, input []byte) (interface{}, error) {
		if err := ctx.Sleep(60); err != nil {
			return nil, err
		}
		return "done", nil
	}, registry.Policy{})

	st := memory.New()
	s := New(st, reg)
	ctx := context.Background()

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "napper"})
	require.NoError(t, err)

	claimed, err := s.Step(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionRunning, got.Status)

	due, err := st.DueActivities(ctx, got.StartedAt, 0)
	require.NoError(t, err)
	require.Len(t, due, 0) // after_time is 60s in the future relative to now
}

func TestStepFailsOnUnknownWorkflow(t *testing.T) {
	reg := registry.New()
	st := memory.New()
	s := New(st, reg)
	ctx := context.Background()

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "missing"})
	require.NoError(t, err)

	_, err = s.Step(ctx, exec.ID)
	require.NoError(t, err)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
}

func TestStepParentChildNotification(t *testing.T) {
	reg := registry.New()
	reg.RegisterWorkflow("child_increment", func(ctx registry.Context, input []byte) (interface{}, error) {
		var in struct {
			X int `json:"x"`
		}
		_ = json.Unmarshal(input, &in)
		return map[string]int{"y": in.X + 1}, nil
	}, registry.Policy{})
	reg.RegisterWorkflow("parent", func(ctx registry.Context, input []byte) (interface{}, error) {
		childID, err := ctx.StartWorkflow("child_increment", input, nil)
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

	st := memory.New()
	s := New(st, reg)
	ctx := context.Background()

	parent, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "parent", Input: []byte(`{"x":3}`)})
	require.NoError(t, err)

	claimed, err := s.Step(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := st.GetExecution(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionRunning, got.Status)

	ids, err := st.RunnableWorkflows(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	claimed, err = s.Step(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, claimed)

	child, err := st.GetExecution(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, child.Status)

	got, err = st.GetExecution(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionPending, got.Status)

	claimed, err = s.Step(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err = st.GetExecution(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, got.Status)
	require.JSONEq(t, `{"child":{"y":4}}`, string(got.Result))
}
