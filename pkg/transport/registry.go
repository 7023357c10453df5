// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/namiai/SwiftCoAP/pkg/breaker"
	transporterrors "github.com/namiai/SwiftCoAP/pkg/errors"
	"github.com/namiai/SwiftCoAP/pkg/message"
	"github.com/namiai/SwiftCoAP/pkg/metrics"
	"github.com/namiai/SwiftCoAP/pkg/ratelimit"
)

const maxDatagramSize = 65535

// keepaliveP is the keepalive period from spec.md §4.6.
const keepaliveP = 1500 * time.Millisecond

// SetupTimeout is the 2s deadline from spec.md §4.7 for a connection to
// reach Ready after entering Preparing. Exported so a host can size a
// stuck-peer health check (pkg/health.RegisterTransportChecks) off the
// same value the registry itself enforces.
const SetupTimeout = 2 * time.Second

// delegateEntry is one registered (token, endpoint) -> delegate mapping.
type delegateEntry struct {
	delegate    Delegate
	observation bool
}

// midState is the message-ID counter spec.md §9's Design Notes calls
// out as needing a single read/write path — kept separate from peerConn
// so message_id() can seed a sequence for an endpoint that has not sent
// or received anything yet, per the facade's exposed operation table.
type midState struct {
	seeded  bool
	counter uint16
}

// connResult is delivered to a goroutine suspended on ensureConnection.
type connResult struct {
	peer *peerConn
	err  error
}

// peerConn is the PeerConnection record of spec.md §3: per-endpoint
// socket handle, last-received timestamp, message-ID counter (via the
// registry's midCounters map), and keepalive timer handle — plus the
// circuit breaker and rate limiter SPEC_FULL.md §4.5 adds.
type peerConn struct {
	endpoint     Endpoint
	state        connState
	conn         net.Conn
	createdAt    time.Time
	lastReceived time.Time
	delegates    map[uint64]*delegateEntry
	waiters      []chan connResult

	breaker *breaker.CircuitBreaker

	setupTimer     *clock.Timer
	keepaliveTimer *clock.Timer
}

// Registry is the single-writer connection and delegate registry.
// Every field it owns is mutated exclusively by the goroutine draining
// ops (see run), per spec.md §5's "single operations executor"
// requirement; callers never lock anything, they post closures.
type Registry struct {
	clk     clock.Clock
	factory SocketFactory
	dialer  dialFunc
	metrics *metrics.Metrics
	logger  *slog.Logger

	breakerCfg breaker.Config
	limiter    *ratelimit.Limiter
	dropPooled func(endpoint string)

	ops   chan func()
	peers map[string]*peerConn

	midCounters map[string]*midState
}

type dialFunc func(ctx context.Context, endpoint Endpoint) (net.Conn, error)

// RegistryConfig groups the tunables a Facade constructs a Registry with.
type RegistryConfig struct {
	Clock         clock.Clock
	Factory       SocketFactory
	Dial          dialFunc
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	BreakerConfig breaker.Config
	Limiter       *ratelimit.Limiter
	// Drop force-evicts an endpoint's idle socket pool before teardown
	// closes the live connection, so that close observes the pool
	// already marked closed and really closes the socket instead of
	// returning it to the idle list (internal/socketpool's Close
	// behavior). Optional; a nil Drop makes teardown a no-op here.
	Drop func(endpoint string)
}

func newRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		clk:         cfg.Clock,
		factory:     cfg.Factory,
		dialer:      cfg.Dial,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		breakerCfg:  cfg.BreakerConfig,
		limiter:     cfg.Limiter,
		dropPooled:  cfg.Drop,
		ops:         make(chan func(), 256),
		peers:       make(map[string]*peerConn),
		midCounters: make(map[string]*midState),
	}
}

// run drains ops until ctx is cancelled. It is the sole goroutine that
// ever touches r.peers or r.midCounters.
func (r *Registry) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-r.ops:
			op()
		}
	}
}

// post enqueues fn to run on the executor goroutine. If ops is full and
// ctx is cancelled first, fn is dropped; with a context that is never
// cancelled, post waits until ops has room.
func (r *Registry) post(ctx context.Context, fn func()) {
	select {
	case r.ops <- fn:
	case <-ctx.Done():
	}
}

// ensureConnection is the suspension point of spec.md §5(a): it blocks
// the calling goroutine until the peer's connection record reaches
// Ready, or fails.
func (r *Registry) ensureConnection(ctx context.Context, ep Endpoint) (*peerConn, error) {
	resultCh := make(chan connResult, 1)
	r.post(ctx, func() { r.ensureConnectionOp(ep, resultCh) })

	select {
	case res := <-resultCh:
		return res.peer, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) ensureConnectionOp(ep Endpoint, resultCh chan connResult) {
	peer, ok := r.peers[ep.Key()]
	if ok {
		switch peer.state {
		case StateReady:
			resultCh <- connResult{peer: peer}
			return
		case StatePreparing:
			peer.waiters = append(peer.waiters, resultCh)
			return
		}
		// Cancelled or Failed: fall through and start a fresh record.
	}

	peer = r.newPeerConn(ep)
	r.peers[ep.Key()] = peer
	peer.waiters = append(peer.waiters, resultCh)
	r.metrics.ActivePeers.Set(float64(len(r.peers)))

	peer.setupTimer = r.clk.AfterFunc(SetupTimeout, func() {
		r.post(context.Background(), func() { r.onSetupTimeout(peer) })
	})

	go r.dial(peer)
}

func (r *Registry) newPeerConn(ep Endpoint) *peerConn {
	peer := &peerConn{
		endpoint:  ep,
		state:     StatePreparing,
		createdAt: r.clk.Now(),
		delegates: make(map[uint64]*delegateEntry),
		breaker:   breaker.New(r.clk, r.breakerCfg),
	}
	peer.breaker.OnStateChange(func(from, to breaker.State) {
		r.metrics.CircuitState.WithLabelValues(ep.Key()).Set(float64(to))
	})
	return peer
}

// dial runs off-executor: it performs the (possibly slow) socket setup
// and reports the outcome back through ops, per spec.md §5's "the
// socket send call itself runs off-executor and its completion
// callback re-enters the executor to report errors".
func (r *Registry) dial(peer *peerConn) {
	conn, err := r.dialer(context.Background(), peer.endpoint)
	r.post(context.Background(), func() { r.completeDial(peer, conn, err) })
}

func (r *Registry) completeDial(peer *peerConn, conn net.Conn, err error) {
	if peer.state != StatePreparing {
		// Superseded by a cancel or setup timeout while the dial was
		// in flight; don't resurrect the peer.
		if err == nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		r.failSetup(peer, err)
		return
	}

	peer.conn = conn
	peer.state = StateReady
	peer.lastReceived = r.clk.Now()
	if peer.setupTimer != nil {
		peer.setupTimer.Stop()
	}
	r.metrics.PeersTotal.WithLabelValues("ready").Inc()

	r.scheduleKeepalive(peer, keepaliveP)
	go r.receiveLoop(peer)

	for _, w := range peer.waiters {
		w <- connResult{peer: peer}
	}
	peer.waiters = nil

	r.logger.Debug("peer connection ready", slog.String("endpoint", peer.endpoint.Key()))
}

func (r *Registry) onSetupTimeout(peer *peerConn) {
	if peer.state != StatePreparing {
		return
	}
	r.failSetup(peer, transporterrors.ErrSetupTimeout)
}

func (r *Registry) failSetup(peer *peerConn, cause error) {
	r.metrics.PeersTotal.WithLabelValues("setup_failed").Inc()
	terr := transporterrors.New(transporterrors.KindSetup, "setup", peer.endpoint.Key(), cause)

	for _, w := range peer.waiters {
		w <- connResult{err: terr}
	}
	peer.waiters = nil

	r.notifyDelegates(peer, terr)
	r.teardown(peer, StateFailed)
}

// registerDelegate inserts (token, endpoint) -> delegate before the
// caller's send hits the socket, per spec.md §5's ordering guarantee.
func (r *Registry) registerDelegate(ctx context.Context, peer *peerConn, token uint64, delegate Delegate, observation bool) {
	done := make(chan struct{})
	r.post(ctx, func() {
		peer.delegates[token] = &delegateEntry{delegate: delegate, observation: observation}
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Registry) unregisterDelegate(ctx context.Context, peer *peerConn, token uint64) {
	r.post(ctx, func() { delete(peer.delegates, token) })
}

// nextMessageID implements spec.md §4.5's issuance rule: the first ID
// per peer is uniform-random over 0..0xFFFE, every subsequent call
// returns (prev mod 0xFFFF)+1.
func (r *Registry) nextMessageID(ctx context.Context, ep Endpoint) (uint16, error) {
	resultCh := make(chan uint16, 1)
	r.post(ctx, func() { resultCh <- r.nextMessageIDOp(ep) })
	select {
	case id := <-resultCh:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Registry) nextMessageIDOp(ep Endpoint) uint16 {
	st, ok := r.midCounters[ep.Key()]
	if !ok {
		st = &midState{}
		r.midCounters[ep.Key()] = st
	}
	if !st.seeded {
		st.seeded = true
		st.counter = uint16(rand.Intn(0xFFFF))
		return st.counter
	}
	st.counter = uint16((uint32(st.counter)%0xFFFF)+1)
	return st.counter
}

// recordReceivedMessageID updates the peer's message-ID counter to the
// value it just received, per spec.md §4.7 step 2 (carried forward
// unchanged though it means an inbound datagram with a small ID can
// regress the counter — §9's design notes flag no deviation here).
func (r *Registry) recordReceivedMessageID(ep Endpoint, mid uint16) {
	st, ok := r.midCounters[ep.Key()]
	if !ok {
		st = &midState{}
		r.midCounters[ep.Key()] = st
	}
	st.seeded = true
	st.counter = mid
}

// scheduleKeepalive arms the next keepalive fire after d.
func (r *Registry) scheduleKeepalive(peer *peerConn, d time.Duration) {
	peer.keepaliveTimer = r.clk.AfterFunc(d, func() {
		r.post(context.Background(), func() { r.keepaliveTick(peer) })
	})
}

// keepaliveTick implements spec.md §4.6.
func (r *Registry) keepaliveTick(peer *peerConn) {
	if peer.state != StateReady {
		return // connection superseded; timer should already be stopped
	}

	now := r.clk.Now()
	elapsed := now.Sub(peer.lastReceived)

	switch {
	case elapsed >= 3*keepaliveP:
		r.metrics.PingTimeouts.WithLabelValues(peer.endpoint.Key()).Inc()
		terr := transporterrors.New(transporterrors.KindPingTimeout, "keepalive", peer.endpoint.Key(), transporterrors.ErrPingTimeout)
		r.notifyDelegates(peer, terr)
		r.teardown(peer, StateFailed)
	case elapsed < keepaliveP:
		r.scheduleKeepalive(peer, keepaliveP-elapsed)
	default:
		r.sendPing(peer)
		r.scheduleKeepalive(peer, keepaliveP+time.Second)
	}
}

func (r *Registry) sendPing(peer *peerConn) {
	mid := r.nextMessageIDOp(peer.endpoint)
	msg := &message.Message{Type: message.Confirmable, Code: message.CodeEmpty, MessageID: mid}
	data, err := message.Encode(msg)
	if err != nil {
		r.logger.Error("failed to encode keepalive ping", slog.String("error", err.Error()))
		return
	}
	r.metrics.KeepalivePings.WithLabelValues(peer.endpoint.Key()).Inc()
	r.writeAsync(peer, data)
}

// receiveLoop runs off-executor, one per Ready peer, reading datagrams
// and posting them to the executor for routing.
func (r *Registry) receiveLoop(peer *peerConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := peer.conn.Read(buf)
		if err != nil {
			r.post(context.Background(), func() { r.handleReadError(peer, err) })
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.post(context.Background(), func() { r.handleInbound(peer, data) })
	}
}

func (r *Registry) handleReadError(peer *peerConn, err error) {
	if peer.state != StateReady {
		return // torn down already; this read error was expected
	}
	terr := transporterrors.New(transporterrors.KindSocketIO, "receive", peer.endpoint.Key(), err)
	r.notifyDelegates(peer, terr)
	r.teardown(peer, StateFailed)
}

// handleInbound implements the five-step delivery router of spec.md
// §4.7.
func (r *Registry) handleInbound(peer *peerConn, data []byte) {
	if peer.state != StateReady {
		return // torn down already; inbound data for a retired peer is dropped
	}

	msg, err := message.Decode(data, message.DecodeOptions{})
	if err != nil {
		return // malformed datagrams are silently dropped
	}

	peer.lastReceived = r.clk.Now()
	r.recordReceivedMessageID(peer.endpoint, msg.MessageID)

	entry, hasDelegate := peer.delegates[msg.Token]

	if msg.Type == message.Confirmable && !hasDelegate {
		r.sendRST(peer, msg.MessageID)
		return
	}
	if msg.Type == message.Confirmable {
		r.sendACK(peer, msg.MessageID)
	}

	if !hasDelegate {
		return
	}

	entry.delegate.DidReceiveData(data, peer.endpoint)
	r.metrics.MessagesRecv.WithLabelValues(msg.Type.String()).Inc()

	if !entry.observation && msg.Type == message.Acknowledgement {
		delete(peer.delegates, msg.Token)
	}
}

func (r *Registry) sendRST(peer *peerConn, mid uint16) {
	msg := &message.Message{Type: message.Reset, Code: message.CodeEmpty, MessageID: mid}
	data, err := message.Encode(msg)
	if err != nil {
		return
	}
	r.writeAsync(peer, data)
}

func (r *Registry) sendACK(peer *peerConn, mid uint16) {
	msg := &message.Message{Type: message.Acknowledgement, Code: message.CodeEmpty, MessageID: mid}
	data, err := message.Encode(msg)
	if err != nil {
		return
	}
	r.writeAsync(peer, data)
}

// writeAsync performs a non-facade (protocol housekeeping) write
// off-executor; a failure is reported back exactly like a read failure.
func (r *Registry) writeAsync(peer *peerConn, data []byte) {
	go func() {
		if _, err := peer.conn.Write(data); err != nil {
			r.post(context.Background(), func() { r.handleReadError(peer, err) })
		}
	}()
}

func (r *Registry) notifyDelegates(peer *peerConn, err error) {
	for _, entry := range peer.delegates {
		entry.delegate.DidFail(err)
	}
}

// teardown is the mechanical half of retiring a peer: stop timers,
// close the socket, drop delegates, evict the registry entry. It never
// itself decides whether delegates are notified — callers that mean to
// report a fault call notifyDelegates first.
func (r *Registry) teardown(peer *peerConn, newState connState) {
	if peer.state == StateCancelled || peer.state == StateFailed {
		return // already torn down; idempotent per spec.md §5
	}
	peer.state = newState

	if peer.setupTimer != nil {
		peer.setupTimer.Stop()
	}
	if peer.keepaliveTimer != nil {
		peer.keepaliveTimer.Stop()
	}
	if peer.conn != nil {
		// Drop first so the pool is already marked closed by the time
		// Close runs: otherwise Close just returns the live socket to
		// the idle list instead of cancelling it (C13).
		if r.dropPooled != nil {
			r.dropPooled(peer.endpoint.Key())
		}
		peer.conn.Close()
	}
	peer.delegates = make(map[uint64]*delegateEntry)

	delete(r.peers, peer.endpoint.Key())
	delete(r.midCounters, peer.endpoint.Key())
	r.limiter.Remove(peer.endpoint.Key())
	r.metrics.ActivePeers.Set(float64(len(r.peers)))

	label := "cancelled"
	if newState == StateFailed {
		label = "failed"
	}
	r.metrics.PeersTotal.WithLabelValues(label).Inc()
}

// cancelConnection implements the facade's cancel_connection: cancel
// the socket, invalidate keepalive, drop every delegate for this
// endpoint. Never fails; a missing peer is a silent no-op.
func (r *Registry) cancelConnection(ctx context.Context, ep Endpoint) {
	done := make(chan struct{})
	r.post(ctx, func() {
		if peer, ok := r.peers[ep.Key()]; ok {
			r.teardown(peer, StateCancelled)
		}
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
	}
}
