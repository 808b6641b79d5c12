// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards the relay's outbound target dials with a circuit
// breaker, so a dead target sheds inbound sessions quickly instead of making
// every one of them wait out a full dial timeout.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("target circuit open")

// State is the breaker's current disposition.
type State int

const (
	// StateClosed lets calls through and counts failures.
	StateClosed State = iota
	// StateProbing lets calls through after a cooldown to test recovery.
	StateProbing
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateProbing:
		return "probing"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. Zero values pick defaults.
type Config struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// ProbeSuccesses is how many consecutive probe successes close it again.
	ProbeSuccesses int
}

// Breaker is a consecutive-failure circuit breaker. A nil Breaker admits
// every call.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 2
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed. It returns ErrOpen while the
// target is considered down.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.state = StateProbing
		b.successes = 0
	}
	return nil
}

// Observe records a call's outcome and moves the breaker accordingly.
func (b *Breaker) Observe(err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateProbing || b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateProbing:
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.state = StateClosed
			b.failures = 0
		}
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
