// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds outbound send rate per peer endpoint using the
// token bucket algorithm, an operational safety valve protecting
// constrained devices from being flooded by a busy sender sharing the
// transport.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrRateLimitExceeded is returned when a caller has exhausted its
// tokens.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket with the given capacity and per-second
// refill rate, driven by clk (use clock.New() in production).
func NewTokenBucket(clk clock.Clock, capacity, refillRate int64) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &TokenBucket{
		clock:      clk,
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: clk.Now(),
	}
}

// Allow reports whether a single-token request should proceed.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether an n-token request should proceed, deducting
// the tokens if so.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	added := int64(elapsed * float64(tb.refillRate))
	if added > 0 {
		tb.tokens += added
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the current token count.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Limiter tracks one TokenBucket per peer endpoint key.
type Limiter struct {
	mu           sync.RWMutex
	clock        clock.Clock
	limiters     map[string]*TokenBucket
	capacity     int64
	refillRate   int64
	maxEndpoints int
	cleanupTimer *clock.Timer
}

// NewLimiter creates a per-endpoint limiter. maxEndpoints bounds the
// number of tracked peers; once it is reached, sends to an endpoint
// without a bucket are denied. 0 means 10000.
func NewLimiter(clk clock.Clock, capacity, refillRate int64, maxEndpoints int) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if maxEndpoints == 0 {
		maxEndpoints = 10000
	}

	l := &Limiter{
		clock:        clk,
		limiters:     make(map[string]*TokenBucket),
		capacity:     capacity,
		refillRate:   refillRate,
		maxEndpoints: maxEndpoints,
	}
	l.cleanupTimer = clk.AfterFunc(5*time.Minute, l.cleanup)
	return l
}

// Allow reports whether a single-token send to endpoint should proceed.
func (l *Limiter) Allow(endpoint string) bool {
	return l.AllowN(endpoint, 1)
}

// AllowN reports whether an n-token send to endpoint should proceed.
func (l *Limiter) AllowN(endpoint string, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[endpoint]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		tb, exists = l.limiters[endpoint]
		if !exists {
			if len(l.limiters) >= l.maxEndpoints {
				l.mu.Unlock()
				return false
			}
			tb = NewTokenBucket(l.clock, l.capacity, l.refillRate)
			l.limiters[endpoint] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove drops endpoint's tracked bucket, called when its connection is
// cancelled.
func (l *Limiter) Remove(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, endpoint)
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.limiters) > l.maxEndpoints*2 {
		kept := make(map[string]*TokenBucket, l.maxEndpoints)
		count := 0
		for k, v := range l.limiters {
			if count >= l.maxEndpoints {
				break
			}
			kept[k] = v
			count++
		}
		l.limiters = kept
	}

	l.cleanupTimer = l.clock.AfterFunc(5*time.Minute, l.cleanup)
}

// Stats returns the number of tracked endpoints.
func (l *Limiter) Stats() (endpoints int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the background cleanup timer.
func (l *Limiter) Close() {
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}
