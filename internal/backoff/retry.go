// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package backoff computes retry delays from a RetryPolicy. It is a pure, side-effect-free
// component (C1): given a policy and the 1-based attempt number that just failed, NextDelay
// returns how long the dispatcher should wait before the retried task becomes due.
package backoff

import "math/rand"

// Strategy selects the growth curve used by NextDelay.
type Strategy string

const (
	// StrategyExponential computes initial * coefficient^(attempt-1). This is the default
	// when Policy.Strategy is the zero value.
	StrategyExponential Strategy = "exponential"
	// StrategyLinear computes initial * attempt.
	StrategyLinear Strategy = "linear"
)

// Policy mirrors the retry_policy fields recognised by §4.1. All durations are expressed in
// seconds because that is the unit the store persists (after_time is a timestamp, not a
// duration, but the inputs to compute it are plain floats so they round-trip through JSON
// cleanly).
type Policy struct {
	Strategy               Strategy `json:"strategy,omitempty"`
	InitialInterval        float64  `json:"initial_interval,omitempty"`
	BackoffCoefficient     float64  `json:"backoff_coefficient,omitempty"`
	MaximumInterval        float64  `json:"maximum_interval,omitempty"`
	Jitter                 float64  `json:"jitter,omitempty"`
	MaximumAttempts        int      `json:"maximum_attempts,omitempty"`
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty"`
}

// defaults applies the §4.1 field defaults without mutating the caller's policy.
func (p Policy) defaults() Policy {
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 1.0
	}
	if p.BackoffCoefficient <= 0 {
		p.BackoffCoefficient = 2.0
	}
	return p
}

// NextDelay returns the number of seconds to wait before retrying the attempt-th failure
// (attempt is 1-based: attempt=1 means the first attempt just failed). The formula is,
// in order: compute by strategy, clamp to MaximumInterval if set, apply jitter, floor at 0.
func NextDelay(policy Policy, attempt int) float64 {
	p := policy.defaults()

	var d float64
	switch p.Strategy {
	case StrategyLinear:
		d = p.InitialInterval * float64(attempt)
	default:
		d = p.InitialInterval * pow(p.BackoffCoefficient, attempt-1)
	}

	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		d = p.MaximumInterval
	}

	if p.Jitter > 0 {
		spread := d * p.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}

	if d < 0 {
		d = 0
	}
	return d
}

// pow computes base^exp for a non-negative integer exponent without pulling in math.Pow's
// float64 exponent semantics, which would require guarding NaN inputs that never occur here.
func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// ExhaustedAttempts reports whether attempt has consumed the policy's retry budget.
// maximum_attempts == 0 means unlimited, per §4.1.
func ExhaustedAttempts(policy Policy, attempt int) bool {
	return policy.MaximumAttempts > 0 && attempt >= policy.MaximumAttempts
}
