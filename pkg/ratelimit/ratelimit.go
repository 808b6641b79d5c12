// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit caps the rate of accepted inbound connections with a
// token bucket per remote host, protecting the relay from connection storms.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is a token bucket refilled lazily on each check.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64) *bucket {
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (b *bucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter tracks a token bucket per remote host. A nil Limiter allows
// everything, so callers need no rate-limiting branch.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   float64
	refillRate float64
	maxTracked int
}

// New creates a per-remote connection rate limiter. rate is the sustained
// connections per second allowed per remote; burst is the extra headroom on
// top of it. maxTracked bounds the number of remotes held in memory (zero
// picks a default).
func New(rate, burst float64, maxTracked int) *Limiter {
	if maxTracked <= 0 {
		maxTracked = 10000
	}
	return &Limiter{
		buckets:    make(map[string]*bucket),
		capacity:   rate + burst,
		refillRate: rate,
		maxTracked: maxTracked,
	}
}

// Allow reports whether a new connection from remote fits under its rate.
func (l *Limiter) Allow(remote string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[remote]
	if !ok {
		if len(l.buckets) >= l.maxTracked {
			// Table full. Evict everything rather than track an unbounded
			// set; buckets rebuild at full capacity, briefly over-admitting.
			l.buckets = make(map[string]*bucket)
		}
		b = newBucket(l.capacity, l.refillRate)
		l.buckets[remote] = b
	}
	l.mu.Unlock()

	return b.take()
}

// Tracked returns the number of remotes currently held.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
