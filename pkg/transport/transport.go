// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/namiai/SwiftCoAP/internal/socketpool"
	"github.com/namiai/SwiftCoAP/pkg/breaker"
	transporterrors "github.com/namiai/SwiftCoAP/pkg/errors"
	"github.com/namiai/SwiftCoAP/pkg/message"
	"github.com/namiai/SwiftCoAP/pkg/metrics"
	"github.com/namiai/SwiftCoAP/pkg/ratelimit"
)

// Config tunes a Facade beyond its three required constructor inputs
// (Params, Clock, Delegate is per-Send). Zero-value fields take the
// documented defaults.
type Config struct {
	// BreakerConfig tunes the per-peer circuit breaker (C11). Zero value
	// uses breaker.New's own defaults (5 failures, 60s reset, 2 successes).
	BreakerConfig breaker.Config
	// RateLimitCapacity and RateLimitRefill tune the per-peer token
	// bucket (C12); an operational safety valve, not a protocol
	// requirement. Zero means 20 burst / 10 per second.
	RateLimitCapacity int64
	RateLimitRefill   int64
	// Pool tunes the socket pool (C13) every peer socket is dialed
	// through.
	Pool socketpool.Config
	// Namespace is the Prometheus namespace passed to metrics.New.
	Namespace string
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RateLimitCapacity == 0 {
		c.RateLimitCapacity = 20
	}
	if c.RateLimitRefill == 0 {
		c.RateLimitRefill = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Facade is the public transport API of spec.md §4.8 / C8: send,
// message-ID issuance, cancel-by-token, cancel-connection, close-all.
// It consumes only a time source, a socket factory, and per-call
// delegates, per spec.md §6.
type Facade struct {
	registry *Registry
	pool     *socketpool.EndpointPool
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clk      clock.Clock

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs a Facade. clk is typically clock.New() in production
// and clock.NewMock() in tests, satisfying spec.md §6's "consumes only
// a time source, a socket factory, and a delegate callback interface"
// literally: Clock, SocketFactory (via params), Delegate (per Send).
func New(params Params, clk clock.Clock, cfg Config) *Facade {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}

	m := metrics.New(cfg.Namespace)
	factory := params.socketFactory()

	pool := socketpool.New(clk, func(ctx context.Context, key string) (net.Conn, error) {
		ep, err := parseEndpointKey(key)
		if err != nil {
			return nil, err
		}
		return factory.Dial(ctx, ep)
	}, cfg.Pool)

	limiter := ratelimit.NewLimiter(clk, cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)

	registry := newRegistry(RegistryConfig{
		Clock:   clk,
		Factory: factory,
		Dial: func(ctx context.Context, ep Endpoint) (net.Conn, error) {
			return pool.Get(ctx, ep.Key())
		},
		Metrics:       m,
		Logger:        cfg.Logger,
		BreakerConfig: cfg.BreakerConfig,
		Limiter:       limiter,
		Drop:          pool.Drop,
	})

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return registry.run(gctx) })

	return &Facade{
		registry: registry,
		pool:     pool,
		metrics:  m,
		logger:   cfg.Logger,
		clk:      clk,
		group:    group,
		cancel:   cancel,
	}
}

// Send implements the facade's send operation: encode, ensure a
// connection, consult the breaker and rate limiter, register the
// caller's delegate (if any) before the write, then write.
func (f *Facade) Send(ctx context.Context, msg *message.Message, ep Endpoint, delegate Delegate) error {
	data, err := message.Encode(msg)
	if err != nil {
		werr := transporterrors.New(transporterrors.KindEncode, "send", ep.Key(), err)
		if delegate != nil {
			delegate.DidFail(werr)
		}
		return werr
	}

	peer, err := f.registry.ensureConnection(ctx, ep)
	if err != nil {
		werr := transporterrors.New(transporterrors.KindSetup, "send", ep.Key(), err)
		if delegate != nil {
			delegate.DidFail(werr)
		}
		return werr
	}

	if !f.registry.limiter.Allow(ep.Key()) {
		f.metrics.RateLimited.WithLabelValues(ep.Key()).Inc()
		werr := transporterrors.New(transporterrors.KindSend, "send", ep.Key(), ratelimit.ErrRateLimitExceeded)
		if delegate != nil {
			delegate.DidFail(werr)
		}
		return werr
	}

	if delegate != nil {
		f.registry.registerDelegate(ctx, peer, msg.Token, delegate, msg.IsObservation())
	}

	sendErr := f.metrics.ObserveSend(msg.Type.String(), func() error {
		return peer.breaker.Call(func() error {
			_, werr := peer.conn.Write(data)
			return werr
		})
	})
	if sendErr != nil {
		werr := transporterrors.New(transporterrors.KindSend, "send", ep.Key(), sendErr)
		if delegate != nil {
			f.registry.unregisterDelegate(ctx, peer, msg.Token)
			delegate.DidFail(werr)
		}
		return werr
	}

	return nil
}

// MessageID draws the next message ID for endpoint, seeding its
// sequence on first call, per spec.md §4.5.
func (f *Facade) MessageID(ctx context.Context, ep Endpoint) (uint16, error) {
	return f.registry.nextMessageID(ctx, ep)
}

// CancelTransmission removes a delegate registration only; the
// connection is left open. Never fails.
func (f *Facade) CancelTransmission(ctx context.Context, ep Endpoint, token uint64) {
	f.registry.post(ctx, func() {
		if peer, ok := f.registry.peers[ep.Key()]; ok {
			delete(peer.delegates, token)
		}
	})
}

// CancelConnection cancels the socket, invalidates the keepalive timer,
// and drops every delegate for ep. Never fails.
func (f *Facade) CancelConnection(ctx context.Context, ep Endpoint) {
	f.registry.cancelConnection(ctx, ep)
}

// CloseAll cancels every known peer connection.
func (f *Facade) CloseAll(ctx context.Context) {
	done := make(chan struct{})
	var endpoints []Endpoint
	f.registry.post(ctx, func() {
		endpoints = make([]Endpoint, 0, len(f.registry.peers))
		for _, peer := range f.registry.peers {
			endpoints = append(endpoints, peer.endpoint)
		}
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	for _, ep := range endpoints {
		f.CancelConnection(ctx, ep)
	}
}

// Close stops the executor, the pool's eviction loop, and the rate
// limiter's cleanup timer. It does not itself cancel peers, so their
// sockets stay open and their receive loops keep running; call CloseAll
// first if that is wanted.
func (f *Facade) Close() error {
	f.cancel()
	f.pool.Close()
	f.registry.limiter.Close()
	err := f.group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// PeerCount returns the number of peers currently in the registry, used
// by pkg/health's liveness check.
func (f *Facade) PeerCount(ctx context.Context) int {
	resultCh := make(chan int, 1)
	f.registry.post(ctx, func() { resultCh <- len(f.registry.peers) })
	select {
	case n := <-resultCh:
		return n
	case <-ctx.Done():
		return 0
	}
}

// OldestPreparingAge reports the age of the longest-preparing peer, or
// zero if none are preparing — pkg/health uses this to detect a peer
// stuck past twice the setup timeout.
func (f *Facade) OldestPreparingAge(ctx context.Context) time.Duration {
	resultCh := make(chan time.Duration, 1)
	f.registry.post(ctx, func() {
		var oldest time.Duration
		now := f.clk.Now()
		for _, peer := range f.registry.peers {
			if peer.state != StatePreparing {
				continue
			}
			if age := now.Sub(peer.createdAt); age > oldest {
				oldest = age
			}
		}
		resultCh <- oldest
	})
	select {
	case d := <-resultCh:
		return d
	case <-ctx.Done():
		return 0
	}
}
