// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package socketpool pools already-established peer sockets (UDP dials
// or DTLS-PSK sessions) per endpoint: closing a socket obtained from Get
// returns it to an idle list that a later Get reuses. pkg/transport's
// connection registry obtains every peer socket, including the live
// Ready one, through Get; its teardown calls Drop before closing, so a
// retired peer's socket is really closed rather than pooled, and the
// next send to that peer dials afresh.
package socketpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrClosed is returned once the owning EndpointPool has been closed.
	ErrClosed = errors.New("socketpool: closed")
	// ErrExhausted is returned when MaxActive is reached and either no
	// WaitTimeout is configured or it elapses before a socket is returned.
	ErrExhausted = errors.New("socketpool: exhausted")
)

// Config tunes one endpoint's pool.
type Config struct {
	MaxIdle         int
	MaxActive       int
	IdleTimeout     time.Duration
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
	WaitTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIdle <= 0 {
		c.MaxIdle = 4
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// DialFunc dials a fresh socket to one endpoint.
type DialFunc func(ctx context.Context) (net.Conn, error)

// conn wraps a net.Conn with the pool metadata needed to expire it.
type conn struct {
	net.Conn
	createdAt time.Time
	pool      *pool
}

// Close returns the connection to its pool instead of closing the
// underlying socket. It really closes when the pool has been closed
// (Drop), the connection has outlived MaxConnLifetime, or the idle list
// already holds MaxIdle connections.
func (c *conn) Close() error {
	return c.pool.put(c)
}

// pool is a single endpoint's idle-connection pool.
type pool struct {
	mu       sync.Mutex
	clk      clock.Clock
	idle     []*conn
	active   int
	dialFunc DialFunc
	config   Config
	closed   bool
	waitChan chan struct{}
}

func newPool(clk clock.Clock, dialFunc DialFunc, config Config) *pool {
	return &pool{
		clk:      clk,
		dialFunc: dialFunc,
		config:   config.withDefaults(),
		waitChan: make(chan struct{}, 1),
	}
}

func (p *pool) get(ctx context.Context) (*conn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.isValid(c) {
			p.active++
			p.mu.Unlock()
			return c, nil
		}
		c.Conn.Close()
	}

	if p.config.MaxActive > 0 && p.active >= p.config.MaxActive {
		p.mu.Unlock()

		if p.config.WaitTimeout > 0 {
			timer := p.clk.Timer(p.config.WaitTimeout)
			defer timer.Stop()

			select {
			case <-p.waitChan:
				return p.get(ctx)
			case <-timer.C:
				return nil, ErrExhausted
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, ErrExhausted
	}

	p.active++
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	raw, err := p.dialFunc(dialCtx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, fmt.Errorf("socketpool: dial: %w", err)
	}

	return &conn{Conn: raw, createdAt: p.clk.Now(), pool: p}, nil
}

func (p *pool) put(c *conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--

	if p.closed || !p.isValid(c) {
		return c.Conn.Close()
	}
	if len(p.idle) >= p.config.MaxIdle {
		return c.Conn.Close()
	}

	p.idle = append(p.idle, c)
	select {
	case p.waitChan <- struct{}{}:
	default:
	}
	return nil
}

func (p *pool) isValid(c *conn) bool {
	if p.config.MaxConnLifetime > 0 && p.clk.Now().Sub(c.createdAt) > p.config.MaxConnLifetime {
		return false
	}
	return true
}

func (p *pool) evictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	kept := p.idle[:0]
	now := p.clk.Now()
	for _, c := range p.idle {
		if p.config.IdleTimeout > 0 && now.Sub(c.createdAt) > p.config.IdleTimeout {
			c.Conn.Close()
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
}

func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.idle {
		c.Conn.Close()
	}
	p.idle = nil
}

// EndpointPool multiplexes one pool per endpoint key.
type EndpointPool struct {
	mu     sync.Mutex
	clk    clock.Clock
	dial   func(ctx context.Context, endpoint string) (net.Conn, error)
	config Config
	pools  map[string]*pool
	ticker *clock.Ticker
	done   chan struct{}
}

// New creates an EndpointPool. dial is called with the endpoint key each
// time a fresh socket is needed.
func New(clk clock.Clock, dial func(ctx context.Context, endpoint string) (net.Conn, error), config Config) *EndpointPool {
	if clk == nil {
		clk = clock.New()
	}
	ep := &EndpointPool{
		clk:    clk,
		dial:   dial,
		config: config.withDefaults(),
		pools:  make(map[string]*pool),
		ticker: clk.Ticker(config.withDefaults().IdleTimeout / 2),
		done:   make(chan struct{}),
	}
	go ep.evictLoop()
	return ep
}

func (ep *EndpointPool) evictLoop() {
	for {
		select {
		case <-ep.done:
			return
		case <-ep.ticker.C:
			ep.mu.Lock()
			pools := make([]*pool, 0, len(ep.pools))
			for _, p := range ep.pools {
				pools = append(pools, p)
			}
			ep.mu.Unlock()
			for _, p := range pools {
				p.evictExpired()
			}
		}
	}
}

func (ep *EndpointPool) poolFor(endpoint string) *pool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if p, ok := ep.pools[endpoint]; ok {
		return p
	}
	p := newPool(ep.clk, func(ctx context.Context) (net.Conn, error) {
		return ep.dial(ctx, endpoint)
	}, ep.config)
	ep.pools[endpoint] = p
	return p
}

// Get returns a pooled socket for endpoint, dialing a fresh one if none
// is idle. Close the returned net.Conn to return it to the pool.
func (ep *EndpointPool) Get(ctx context.Context, endpoint string) (net.Conn, error) {
	return ep.poolFor(endpoint).get(ctx)
}

// Drop closes and forgets endpoint's pool entirely, used when a peer is
// explicitly cancelled and should not be silently reconnected from pooled
// state.
func (ep *EndpointPool) Drop(endpoint string) {
	ep.mu.Lock()
	p, ok := ep.pools[endpoint]
	if ok {
		delete(ep.pools, endpoint)
	}
	ep.mu.Unlock()
	if ok {
		p.close()
	}
}

// Close shuts down every pooled endpoint and stops background eviction.
func (ep *EndpointPool) Close() {
	close(ep.done)
	ep.ticker.Stop()
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, p := range ep.pools {
		p.close()
	}
	ep.pools = nil
}
