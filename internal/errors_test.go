package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActivityErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewActivityError("echo", 3, cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "echo")
	require.Contains(t, err.Error(), "3")
}

func TestWorkflowErrorUnwrap(t *testing.T) {
	cause := errors.New("child blew up")
	err := NewWorkflowError("child-1", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "child-1")
	require.Contains(t, err.Error(), "child blew up")
}

func TestIsNonRetryableUnknownActivity(t *testing.T) {
	require.True(t, IsNonRetryable(&UnknownActivityError{Name: "nope"}, nil))
}

func TestIsNonRetryableClassifier(t *testing.T) {
	err := NewApplicationError("bad input", "ValidationError", false, nil)
	require.True(t, IsNonRetryable(err, []string{"ValidationError"}))
	require.False(t, IsNonRetryable(err, []string{"OtherError"}))
}

func TestIsNonRetryableExplicitFlag(t *testing.T) {
	err := NewApplicationError("fatal", "AnyType", true, nil)
	require.True(t, IsNonRetryable(err, nil))
}

func TestIsNonRetryableDefaultFalse(t *testing.T) {
	require.False(t, IsNonRetryable(errors.New("transient"), nil))
}
