// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/namiai/SwiftCoAP/pkg/transport"
)

// transportFacade is the slice of *transport.Facade this package depends
// on, kept narrow so a test can fake it without spinning up a real
// registry goroutine.
type transportFacade interface {
	PeerCount(ctx context.Context) int
	OldestPreparingAge(ctx context.Context) time.Duration
}

var _ transportFacade = (*transport.Facade)(nil)

// RegisterTransportChecks wires the two checks a host embedding
// pkg/transport is expected to expose: a sanity check on the peer
// registry's bookkeeping, and a liveness check that catches a peer stuck
// dialing well past the setup timeout it should have failed within.
// setupTimeout should match the one the transport was built with; a
// peer is considered stuck once it has been Preparing for more than
// twice that long.
func RegisterTransportChecks(c *Checker, f transportFacade, setupTimeout time.Duration) {
	if setupTimeout == 0 {
		setupTimeout = transport.SetupTimeout
	}

	c.Register("peer-registry", func(ctx context.Context) error {
		if n := f.PeerCount(ctx); n < 0 {
			return fmt.Errorf("peer registry reports negative peer count: %d", n)
		}
		return nil
	})

	c.Register("keepalive", func(ctx context.Context) error {
		if age := f.OldestPreparingAge(ctx); age > 2*setupTimeout {
			return fmt.Errorf("peer stuck preparing for %s, exceeds %s budget", age, 2*setupTimeout)
		}
		return nil
	})
}
