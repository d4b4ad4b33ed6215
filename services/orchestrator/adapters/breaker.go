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
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when a call is refused because the breaker
// is open. Callers treat it as an immediate degrade signal, not a retry.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes one circuit breaker. Zero values take defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default 3.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting a
	// single probe. Default 30s.
	Cooldown time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

// Breaker is a per-provider circuit breaker.
//
// # Description
//
// Closed passes calls through and counts consecutive failures. Reaching
// the threshold opens the circuit; open calls fail immediately with
// ErrBreakerOpen. After the cooldown one probe call is admitted
// (half-open): success closes the circuit, failure re-opens it for
// another full cooldown.
//
// # Thread Safety
//
// Safe for concurrent use. Allow admits exactly one probe per cooldown
// even under concurrent callers.
type Breaker struct {
	name string
	cfg  BreakerConfig

	// onStateChange, when set, receives transitions for gauge updates.
	onStateChange func(name string, state BreakerState)

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker builds a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, onStateChange func(string, BreakerState)) *Breaker {
	cfg.applyDefaults()
	return &Breaker{
		name:          name,
		cfg:           cfg,
		state:         BreakerClosed,
		onStateChange: onStateChange,
	}
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. A true return during
// half-open claims the single probe slot; the caller must report the
// outcome via Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transitionLocked(BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != BreakerClosed {
		slog.Info("Circuit breaker recovered", "provider", b.name)
		b.transitionLocked(BreakerClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		// Failed probe re-opens for a full cooldown.
		b.probeInFlight = false
		b.openedAt = time.Now()
		slog.Warn("Circuit breaker probe failed, re-opening", "provider", b.name, "cooldown", b.cfg.Cooldown)
		b.transitionLocked(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			slog.Warn("Circuit breaker opened",
				"provider", b.name,
				"consecutive_failures", b.failures,
				"cooldown", b.cfg.Cooldown,
			)
			b.transitionLocked(BreakerOpen)
		}
	}
}

// transitionLocked updates state and fires the change hook. Caller holds mu.
func (b *Breaker) transitionLocked(next BreakerState) {
	b.state = next
	if b.onStateChange != nil {
		b.onStateChange(b.name, next)
	}
}
