// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	clk := clock.NewMock()
	tb := NewTokenBucket(clk, 3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("call %d: expected capacity to allow 3 consecutive requests", i)
		}
	}
	if tb.Allow() {
		t.Fatal("4th request should be denied once capacity is exhausted")
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	clk := clock.NewMock()
	tb := NewTokenBucket(clk, 2, 1) // 1 token/sec

	tb.Allow()
	tb.Allow()
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}

	clk.Add(time.Second)
	if !tb.Allow() {
		t.Fatal("bucket should have refilled one token after 1s")
	}
}

func TestTokenBucketAllowNDeductsAtomically(t *testing.T) {
	clk := clock.NewMock()
	tb := NewTokenBucket(clk, 5, 0)

	if !tb.AllowN(5) {
		t.Fatal("AllowN(5) against a 5-capacity bucket should succeed")
	}
	if tb.AllowN(1) {
		t.Fatal("bucket should be fully drained")
	}
}

func TestLimiterTracksPerEndpoint(t *testing.T) {
	clk := clock.NewMock()
	l := NewLimiter(clk, 1, 0, 0)
	defer l.Close()

	if !l.Allow("peer-a") {
		t.Fatal("first send to peer-a should be allowed")
	}
	if l.Allow("peer-a") {
		t.Fatal("second send to peer-a should be denied, capacity 1 and no refill")
	}
	if !l.Allow("peer-b") {
		t.Fatal("peer-b has its own bucket and should still be allowed")
	}
}

func TestLimiterRemoveResetsBucket(t *testing.T) {
	clk := clock.NewMock()
	l := NewLimiter(clk, 1, 0, 0)
	defer l.Close()

	l.Allow("peer-a")
	if l.Allow("peer-a") {
		t.Fatal("peer-a bucket should be exhausted")
	}

	l.Remove("peer-a")
	if !l.Allow("peer-a") {
		t.Fatal("a removed endpoint should get a fresh bucket on its next send")
	}
}

func TestLimiterStats(t *testing.T) {
	clk := clock.NewMock()
	l := NewLimiter(clk, 10, 0, 0)
	defer l.Close()

	l.Allow("a")
	l.Allow("b")
	if n := l.Stats(); n != 2 {
		t.Fatalf("Stats() = %d, want 2 tracked endpoints", n)
	}
}

func TestLimiterMaxEndpointsDeniesNewEntries(t *testing.T) {
	clk := clock.NewMock()
	l := NewLimiter(clk, 10, 0, 1)
	defer l.Close()

	if !l.Allow("a") {
		t.Fatal("first endpoint should be tracked and allowed")
	}
	if l.Allow("b") {
		t.Fatal("a second distinct endpoint past maxEndpoints=1 should be denied")
	}
}
