package dflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store"
	"github.com/dflowhq/dflow/internal/store/memory"
)

func TestStartWorkflowUnknownName(t *testing.T) {
	reg := registry.New()
	c := NewClient(memory.New(), reg)
	_, err := c.StartWorkflow(context.Background(), "missing", []byte(`{}`), nil)
	require.Error(t, err)
}

func TestSignalWorkflowWakesExecution(t *testing.T) {
	reg := registry.New()
	reg.RegisterWorkflow("w", func(ctx registry.Context, input []byte) (interface{}, error) {
		return nil, nil
	}, registry.Policy{})

	st := memory.New()
	ctx := context.Background()
	c := NewClient(st, reg)

	id, err := c.StartWorkflow(ctx, "w", []byte(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, st.SetWorkflowRunning(ctx, id))

	require.NoError(t, c.SignalWorkflow(ctx, id, "go", []byte(`"hi"`)))

	got, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionPending, got.Status)
}

func TestCancelWorkflowCascadesToChildren(t *testing.T) {
	reg := registry.New()
	st := memory.New()
	ctx := context.Background()
	c := NewClient(st, reg)

	parent, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "parent"})
	require.NoError(t, err)
	pos := 0
	child, err := st.InsertExecution(ctx, store.NewExecution{
		WorkflowName: "child",
		Parent:       &parent.ID,
		ParentPos:    &pos,
	})
	require.NoError(t, err)

	require.NoError(t, c.CancelWorkflow(ctx, parent.ID, "user requested"))

	gotParent, err := st.GetExecution(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCanceled, gotParent.Status)
	require.NotNil(t, gotParent.Error)
	require.Contains(t, *gotParent.Error, "user requested")

	gotChild, err := st.GetExecution(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCanceled, gotChild.Status)
	require.NotNil(t, gotChild.Error)
	require.Contains(t, *gotChild.Error, "parent_canceled")
}

func TestWaitWorkflowTimesOut(t *testing.T) {
	reg := registry.New()
	st := memory.New()
	ctx := context.Background()
	c := NewClient(st, reg)

	id, err := c.StartWorkflow(ctx, "", nil, nil)
	_ = id
	require.Error(t, err) // empty name is unregistered, exercising the lookup-miss path

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "stuck"})
	require.NoError(t, err)

	_, err = c.WaitWorkflow(ctx, exec.ID, WaitOptions{Timeout: 10 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	require.Error(t, err)
}

func TestWaitWorkflowReturnsResult(t *testing.T) {
	reg := registry.New()
	st := memory.New()
	ctx := context.Background()
	c := NewClient(st, reg)

	exec, err := st.InsertExecution(ctx, store.NewExecution{WorkflowName: "done"})
	require.NoError(t, err)
	require.NoError(t, st.SetWorkflowTerminal(ctx, exec.ID, store.ExecutionCompleted, []byte(`{"ok":true}`), nil))

	result, err := c.WaitWorkflow(ctx, exec.ID, WaitOptions{PollInterval: time.Millisecond})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}
