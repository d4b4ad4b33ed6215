// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := NewBreaker("weather", BreakerConfig{}, nil)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker("weather", BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour}, nil)

	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "below threshold stays closed")
	assert.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("weather", BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour}, nil)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	assert.Equal(t, BreakerClosed, b.State(),
		"threshold counts consecutive failures, not total")
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b := NewBreaker("weather", BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)

	b.Failure()
	require.False(t, b.Allow(), "open refuses calls during cooldown")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())

	assert.True(t, b.Allow(), "first caller after cooldown claims the probe")
	assert.False(t, b.Allow(), "second caller is refused while the probe is in flight")
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := NewBreaker("weather", BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)

	b.Failure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker("weather", BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}, nil)

	b.Failure()
	// Force the cooldown to elapse without waiting an hour.
	b.mu.Lock()
	b.openedAt = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()

	require.True(t, b.Allow())
	b.Failure()

	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "re-opened circuit starts a fresh cooldown")
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var transitions []BreakerState
	hook := func(name string, state BreakerState) {
		assert.Equal(t, "weather", name)
		transitions = append(transitions, state)
	}
	b := NewBreaker("weather", BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, hook)

	b.Failure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	b.Success()

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, transitions)
}
