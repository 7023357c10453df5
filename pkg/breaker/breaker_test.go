// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestOpensAfterMaxFailures(t *testing.T) {
	clk := clock.NewMock()
	cb := New(clk, Config{MaxFailures: 3, ResetTimeout: time.Second, SuccessThreshold: 1})

	failing := func() error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		if err := cb.Call(failing); err == nil {
			t.Fatalf("call %d: expected the injected failure to propagate", i)
		}
	}

	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want StateOpen after 3 consecutive failures", got)
	}

	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Call() on an open breaker = %v, want ErrCircuitOpen", err)
	}
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	clk := clock.NewMock()
	cb := New(clk, Config{MaxFailures: 1, ResetTimeout: 10 * time.Second, SuccessThreshold: 2})

	cb.Call(func() error { return errors.New("boom") })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want StateOpen", got)
	}

	clk.Add(11 * time.Second)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Call() after reset timeout = %v, want nil (half-open probe allowed through)", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want StateHalfOpen after one successful probe (threshold 2)", got)
	}
}

func TestClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	clk := clock.NewMock()
	cb := New(clk, Config{MaxFailures: 1, ResetTimeout: time.Second, SuccessThreshold: 2})

	cb.Call(func() error { return errors.New("boom") })
	clk.Add(2 * time.Second)

	cb.Call(func() error { return nil }) // 1st half-open success
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want StateHalfOpen after 1 of 2 required successes", got)
	}

	cb.Call(func() error { return nil }) // 2nd half-open success
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want StateClosed after reaching SuccessThreshold", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewMock()
	cb := New(clk, Config{MaxFailures: 1, ResetTimeout: time.Second, SuccessThreshold: 2})

	cb.Call(func() error { return errors.New("boom") })
	clk.Add(2 * time.Second)
	cb.Call(func() error { return nil }) // enters half-open

	cb.Call(func() error { return errors.New("boom again") })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want StateOpen: any half-open failure reopens the circuit", got)
	}
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	cb := New(nil, Config{})
	if cb.config.MaxFailures != 5 {
		t.Fatalf("default MaxFailures = %d, want 5", cb.config.MaxFailures)
	}
	if cb.config.ResetTimeout != 60*time.Second {
		t.Fatalf("default ResetTimeout = %v, want 60s", cb.config.ResetTimeout)
	}
	if cb.config.SuccessThreshold != 2 {
		t.Fatalf("default SuccessThreshold = %d, want 2", cb.config.SuccessThreshold)
	}
}

func TestOnStateChangeCallback(t *testing.T) {
	clk := clock.NewMock()
	cb := New(clk, Config{MaxFailures: 1})

	transitions := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) { transitions <- [2]State{from, to} })

	cb.Call(func() error { return errors.New("boom") })

	select {
	case tr := <-transitions:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("transition = %v -> %v, want Closed -> Open", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("OnStateChange callback never fired")
	}
}
