package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	dflow "github.com/dflowhq/dflow/internal"
)

func TestRegisterAndLookupWorkflow(t *testing.T) {
	r := New()
	called := false
	r.RegisterWorkflow("echo", func(ctx Context, input []byte) (interface{}, error) {
		called = true
		return input, nil
	}, Policy{ScheduleToCloseTimeout: 30})

	fn, policy, err := r.Workflow("echo")
	require.NoError(t, err)
	require.Equal(t, float64(30), policy.ScheduleToCloseTimeout)
	_, err = fn(nil, []byte(`1`))
	require.NoError(t, err)
	require.True(t, called)
}

func TestUnknownWorkflow(t *testing.T) {
	r := New()
	_, _, err := r.Workflow("missing")
	var unknown *dflow.UnknownWorkflowError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "missing", unknown.Name)
}

func TestRegisterAndLookupActivity(t *testing.T) {
	r := New()
	r.RegisterActivity("add", func(ctx context.Context, args, kwargs []byte) (interface{}, error) {
		return 2, nil
	}, Policy{})

	require.True(t, r.HasActivity("add"))
	fn, _, err := r.Activity("add")
	require.NoError(t, err)
	out, err := fn(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, out)
}

func TestUnknownActivity(t *testing.T) {
	r := New()
	require.False(t, r.HasActivity("missing"))
	_, _, err := r.Activity("missing")
	var unknown *dflow.UnknownActivityError
	require.ErrorAs(t, err, &unknown)
}
