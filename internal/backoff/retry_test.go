package backoff

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextDelayExponentialDefaults(t *testing.T) {
	p := Policy{}
	require.Equal(t, 1.0, NextDelay(p, 1))
	require.Equal(t, 2.0, NextDelay(p, 2))
	require.Equal(t, 4.0, NextDelay(p, 3))
}

func TestNextDelayLinear(t *testing.T) {
	p := Policy{Strategy: StrategyLinear, InitialInterval: 0.5}
	require.Equal(t, 0.5, NextDelay(p, 1))
	require.Equal(t, 1.5, NextDelay(p, 3))
}

func TestNextDelayClampsToMaximumInterval(t *testing.T) {
	p := Policy{InitialInterval: 1, BackoffCoefficient: 2, MaximumInterval: 5}
	require.Equal(t, 5.0, NextDelay(p, 10))
}

func TestNextDelayMonotonicWithoutJitter(t *testing.T) {
	p := Policy{InitialInterval: 0.1, BackoffCoefficient: 2}
	prev := NextDelay(p, 1)
	for attempt := 2; attempt <= 8; attempt++ {
		next := NextDelay(p, attempt)
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
}

func TestNextDelayJitterStaysWithinBounds(t *testing.T) {
	p := Policy{InitialInterval: 10, BackoffCoefficient: 1, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := NextDelay(p, 1)
		require.GreaterOrEqual(t, d, 5.0)
		require.LessOrEqual(t, d, 15.0)
	}
}

func TestNextDelayNeverNegative(t *testing.T) {
	p := Policy{InitialInterval: 0.01, Jitter: 1}
	for i := 0; i < 500; i++ {
		require.GreaterOrEqual(t, NextDelay(p, 1), 0.0)
	}
}

func TestExhaustedAttempts(t *testing.T) {
	require.False(t, ExhaustedAttempts(Policy{MaximumAttempts: 0}, 1000))
	require.False(t, ExhaustedAttempts(Policy{MaximumAttempts: 3}, 2))
	require.True(t, ExhaustedAttempts(Policy{MaximumAttempts: 3}, 3))
	require.True(t, ExhaustedAttempts(Policy{MaximumAttempts: 3}, 4))
}
