// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hostpool multiplexes a bounded number of connections to a
// single host across an unbounded stream of requests.
//
// A Pool owns a fixed vector of slots, each encapsulating one logical
// connection's lifecycle. Requests enter through Send, are dispatched
// to an idle slot (or parked until one frees up), and the paired
// response is delivered on the Responses channel together with the
// caller's correlation tag. Responses across different slots carry no
// global ordering; callers pair them to requests via the tag.
//
// All pool and slot state is owned by a single loop goroutine.
// Connection adapters, timers and response-body instrumentation
// marshal their outcomes into that loop as events; nothing mutates
// state from outside it.
package hostpool

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/weiwenchen2022/hostpool/factory"
)

// RequestContext pairs a request with its correlation tag and the
// retries it has left. It is immutable; a retry enqueues a copy with
// the counter decremented.
type RequestContext struct {
	Request *http.Request

	// Tag is the caller's correlation tag, echoed on the paired
	// ResponseContext. Opaque to the pool.
	Tag any

	// RetriesLeft is the number of re-dispatches this request may
	// still consume after retryable failures.
	RetriesLeft int
}

// ResponseContext is the outcome for exactly one RequestContext.
// Either Response or Err is set.
//
// On success the response body is caller-owned: it must be read to EOF
// or closed within the configured subscription timeout, or the pool
// aborts it and recycles the connection.
type ResponseContext struct {
	Request  RequestContext
	Response *http.Response
	Err      error
}

// outItem is one pending downstream emission: a slot's response
// awaiting dispatch, or a bare failure context (slot == nil).
type outItem struct {
	s  *slot
	rc ResponseContext
}

// poolCounters are the loop-owned running totals surfaced by Stats.
type poolCounters struct {
	connectionsOpened    int64
	connectionsClosed    int64
	idleTimeoutClosed    int64
	lifetimeClosed       int64
	failureClosed        int64
	subscriptionTimeouts int64
	retries              int64
}

// PoolStats is a point-in-time snapshot of one pool.
type PoolStats struct {
	MaxConnections int

	Connected  int // established connections
	Connecting int // establishment attempts in progress
	Idle       int // slots able to accept a request
	InFlight   int // requests currently owned by slots

	RetryQueued     int // requests parked awaiting a slot
	PendingDispatch int // responses awaiting downstream demand

	EmbargoLevel time.Duration

	// Totals.
	ConnectionsOpened    int64
	ConnectionsClosed    int64
	IdleTimeoutClosed    int64
	LifetimeClosed       int64
	FailureClosed        int64
	SubscriptionTimeouts int64
	Retries              int64
}

// shutdownFlushTimeout bounds how long a forced Close waits for the
// consumer to pick up the injected failure contexts.
const shutdownFlushTimeout = 5 * time.Second

// eventQueueSize is the capacity of the internal event channel.
// Senders are adapter goroutines and timers; the loop is the only
// consumer and never blocks, so this only smooths bursts.
const eventQueueSize = 128

// Pool is a host connection pool. It is safe for concurrent use by
// multiple goroutines.
type Pool struct {
	cfg     Config
	factory factory.Factory
	clk     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	requests  chan RequestContext
	responses chan ResponseContext
	events    chan slotEvent
	statsCh   chan chan PoolStats
	drainCh   chan struct{}

	stopAccepting chan struct{} // closed once Send must refuse
	stopCh        chan struct{} // closed to force the loop down
	doneCh        chan struct{} // closed when the loop has exited

	acceptOnce sync.Once
	drainOnce  sync.Once
	stopOnce   sync.Once

	// Everything below is owned by the loop goroutine.
	slots    []*slot
	idleIdx  []int // slot ids able to accept a request, ascending
	retryBuf []RequestContext
	outQ     []outItem
	deferred []slotEvent // events synthesized mid-turn, delivered after it
	emb      embargo
	stats    poolCounters

	draining bool // graceful shutdown requested
	stopping bool // slots are being shut down
	aborted  bool // internal invariant violation

	finalStats PoolStats // set before doneCh closes
}

// New opens a pool for a single host using the given connection
// factory. The pool starts serving immediately; close it with Close or
// Shutdown.
func New(f factory.Factory, cfg Config) (*Pool, error) {
	return newPool(context.Background(), f, cfg, clock.NewClock())
}

func newPool(ctx context.Context, f factory.Factory, cfg Config, clk clock.Clock) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PipeliningLimit > 1 {
		log.G(ctx).WithField("pipelining_limit", cfg.PipeliningLimit).
			Warn("pipelining is sequential per connection, clamping limit to 1")
	}
	cfg.sanitize()

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:     cfg,
		factory: f,
		clk:     clk,
		ctx:     ctx,
		cancel:  cancel,

		requests:  make(chan RequestContext, cfg.MaxOpenRequests),
		responses: make(chan ResponseContext),
		events:    make(chan slotEvent, eventQueueSize),
		statsCh:   make(chan chan PoolStats),
		drainCh:   make(chan struct{}, 1),

		stopAccepting: make(chan struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),

		emb: newEmbargo(&cfg),
	}

	p.slots = make([]*slot, cfg.MaxConnections)
	p.idleIdx = make([]int, cfg.MaxConnections)
	for i := range p.slots {
		p.slots[i] = newSlot(p, i)
		p.idleIdx[i] = i
	}

	go p.run()
	return p, nil
}

// Send hands one request to the pool. It blocks while the open-request
// buffer is full, providing upstream backpressure, and returns
// ErrPoolClosed once the pool no longer accepts work. The tag is
// opaque and echoed on the paired ResponseContext.
func (p *Pool) Send(ctx context.Context, req *http.Request, tag any) error {
	if req == nil {
		return errors.New("hostpool: nil request")
	}
	select {
	case <-p.stopAccepting:
		return ErrPoolClosed
	default:
	}

	rc := RequestContext{Request: req, Tag: tag, RetriesLeft: p.cfg.MaxRetries}
	select {
	case p.requests <- rc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopAccepting:
		return ErrPoolClosed
	}
}

// Responses is the pool's output port. The channel is closed once the
// pool has stopped.
func (p *Pool) Responses() <-chan ResponseContext {
	return p.responses
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	reply := make(chan PoolStats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.doneCh:
		return p.finalStats
	}
}

// Close forces the pool down. Idle connections are closed cleanly;
// in-flight work fails with ErrShutdown and the failure contexts are
// delivered to any consumer still draining Responses. Close blocks
// until the loop has stopped and is idempotent.
func (p *Pool) Close() error {
	p.acceptOnce.Do(func() { close(p.stopAccepting) })
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
	return nil
}

// Shutdown stops the pool gracefully: no new requests are accepted,
// already-accepted work (including response bodies still streaming) is
// allowed to finish, then connections close and Responses is closed.
// If ctx expires first the pool is forced down as by Close.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.acceptOnce.Do(func() { close(p.stopAccepting) })
	p.drainOnce.Do(func() { p.drainCh <- struct{}{} })

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	}
}

// post marshals an event into the loop from another goroutine.
func (p *Pool) post(ev slotEvent) {
	select {
	case p.events <- ev:
	case <-p.doneCh:
		// Loop already gone; release anything the event carried.
		if ev.newConn != nil {
			ev.newConn.Close()
		}
	}
}

// run is the pool loop: the single execution context owning all state.
func (p *Pool) run() {
	defer close(p.doneCh)
	defer p.cancel()

	p.maybePreconnect()
	p.afterTurn()

	for {
		var inC <-chan RequestContext
		if p.canPull() {
			inC = p.requests
		}

		var outC chan<- ResponseContext
		var head ResponseContext
		if len(p.outQ) > 0 {
			outC, head = p.responses, p.outQ[0].rc
		}

		select {
		case rc := <-inC:
			p.dispatchRequest(rc)
		case outC <- head:
			p.headDispatched()
		case ev := <-p.events:
			p.handleEvent(ev)
		case reply := <-p.statsCh:
			reply <- p.snapshotStats()
		case <-p.drainCh:
			p.draining = true
		case <-p.stopCh:
			p.forcedStop()
			return
		}

		p.afterTurn()

		if p.aborted {
			p.forcedStop()
			return
		}
		if p.quiesced() {
			p.gracefulStop()
			return
		}
	}
}

// canPull implements pullIfNeeded: input is pulled only when an idle
// slot can take the request immediately and no earlier request is
// still parked.
func (p *Pool) canPull() bool {
	return !p.stopping && len(p.idleIdx) > 0 && len(p.retryBuf) == 0
}

// afterTurn delivers events synthesized during the turn (embargo
// broadcasts) and re-dispatches parked requests onto freed slots.
func (p *Pool) afterTurn() {
	for len(p.deferred) > 0 {
		ev := p.deferred[0]
		p.deferred = p.deferred[1:]
		p.handleEvent(ev)
	}

	for len(p.retryBuf) > 0 && len(p.idleIdx) > 0 {
		req := p.retryBuf[0]
		p.retryBuf = p.retryBuf[1:]
		p.dispatchRequest(req)
	}
}

// handleEvent guards an event for staleness, then delivers it.
func (p *Pool) handleEvent(ev slotEvent) {
	s := ev.slot

	if ev.kind == evTimeout && ev.gen != s.gen {
		return
	}
	if ev.connID != uuid.Nil {
		if s.adapter == nil || s.adapter.id != ev.connID {
			// Ghost event from an abandoned connection. If it carried
			// a fresh establishment, nobody else will close it.
			if ev.newConn != nil {
				ev.newConn.Close()
			}
			s.logger().WithField("event", ev.kind.String()).
				Trace("dropping stale connection event")
			return
		}
		if ev.kind == evResponseReceived && ev.entity != nil {
			s.adapter.entity = ev.entity
		}
	}

	s.deliver(ev)
}

// dispatchRequest routes a request to the lowest idle slot, discarding
// stale idle connections on the way. With no idle slot left the
// request parks at the front of the retry buffer (the pull that
// admitted it already consumed the capacity it was promised).
func (p *Pool) dispatchRequest(req RequestContext) {
	for len(p.idleIdx) > 0 {
		s := p.slots[p.idleIdx[0]]

		if s.state.kind == stateIdle && s.adapter != nil {
			if v, ok := s.adapter.conn.(factory.Validator); ok && !v.IsValid() {
				s.deliver(slotEvent{slot: s, connID: s.adapter.id, kind: evConnectionFailed, err: errStaleConnection})
				continue
			}
		}

		s.deliver(slotEvent{slot: s, kind: evNewRequest, req: req})
		return
	}

	p.retryBuf = append([]RequestContext{req}, p.retryBuf...)
}

// dispatchResult decides a request's fate after a failure: re-queue at
// the tail while retries remain (tail keeps retries fair relative to
// newer arrivals), otherwise emit the failure downstream.
func (p *Pool) dispatchResult(req RequestContext, err error, retryable bool) {
	if retryable && req.RetriesLeft > 0 {
		retried := req
		retried.RetriesLeft--
		p.retryBuf = append(p.retryBuf, retried)
		p.stats.retries++
		return
	}
	p.outQ = append(p.outQ, outItem{rc: ResponseContext{Request: req, Err: err}})
}

// headDispatched runs after the loop emitted the head of the out
// queue. A slot-borne emission advances that slot's state machine.
func (p *Pool) headDispatched() {
	item := p.outQ[0]
	p.outQ = p.outQ[1:]
	if item.s != nil {
		item.s.enqueued = false
		item.s.deliver(slotEvent{slot: item.s, kind: evResponseDispatchable})
	}
}

func (p *Pool) enqueueDispatch(s *slot, st slotState) {
	s.enqueued = true
	p.outQ = append(p.outQ, outItem{
		s:  s,
		rc: ResponseContext{Request: st.req, Response: st.res},
	})
}

func (p *Pool) removeFromOutQ(s *slot) {
	for i, item := range p.outQ {
		if item.s == s {
			p.outQ = append(p.outQ[:i], p.outQ[i+1:]...)
			break
		}
	}
	s.enqueued = false
}

// Embargo plumbing. A level change notifies every slot; delivery is
// deferred to the end of the turn so it never reenters a transition in
// progress.

func (p *Pool) onConnectAttemptFailed(prevLevel time.Duration) {
	if p.emb.onAttemptFailed(prevLevel) {
		log.G(p.ctx).WithField("embargo", p.emb.level).
			Debug("connection attempt failed, escalating embargo")
		p.broadcastEmbargo()
	}
}

func (p *Pool) onConnectAttemptSucceeded() {
	if p.emb.onAttemptSucceeded() {
		p.broadcastEmbargo()
	}
}

func (p *Pool) broadcastEmbargo() {
	for _, s := range p.slots {
		p.deferred = append(p.deferred, slotEvent{slot: s, kind: evNewEmbargo, embargo: p.emb.level})
	}
}

// Idle index. Slots are kept in ascending id order so dispatch prefers
// low ids, giving high ids the chance to idle out.

func (p *Pool) idleMember(st slotState) bool {
	return st.isIdle()
}

func (p *Pool) addIdle(id int) {
	i := sort.SearchInts(p.idleIdx, id)
	if i < len(p.idleIdx) && p.idleIdx[i] == id {
		return
	}
	p.idleIdx = append(p.idleIdx, 0)
	copy(p.idleIdx[i+1:], p.idleIdx[i:])
	p.idleIdx[i] = id
}

func (p *Pool) removeIdle(id int) {
	i := sort.SearchInts(p.idleIdx, id)
	if i >= len(p.idleIdx) || p.idleIdx[i] != id {
		return
	}
	p.idleIdx = append(p.idleIdx[:i], p.idleIdx[i+1:]...)
}

// connectionTarget counts slots holding or establishing a connection,
// the quantity the warm minimum is measured against.
func (p *Pool) connectionTarget() int {
	n := 0
	for _, s := range p.slots {
		if s.state.isConnected() || s.state.isConnecting() {
			n++
		}
	}
	return n
}

func (p *Pool) needPreconnect() bool {
	return p.cfg.MinConnections > 0 && p.connectionTarget() < p.cfg.MinConnections
}

// maybePreconnect warms unconnected slots up to the minimum.
func (p *Pool) maybePreconnect() {
	for _, s := range p.slots {
		if !p.needPreconnect() {
			return
		}
		if s.state.kind == stateUnconnected {
			s.deliver(slotEvent{slot: s, kind: evPreConnect})
		}
	}
}

// quiesced reports that a graceful shutdown has drained everything.
func (p *Pool) quiesced() bool {
	if !p.draining || p.stopping {
		return false
	}
	if len(p.requests) > 0 || len(p.retryBuf) > 0 || len(p.outQ) > 0 {
		return false
	}
	for _, s := range p.slots {
		if s.state.hasReq {
			return false
		}
	}
	return true
}

func (p *Pool) gracefulStop() {
	p.stopping = true
	for _, s := range p.slots {
		s.deliver(slotEvent{slot: s, kind: evShutdown})
	}
	p.finalStats = p.snapshotStats()
	close(p.responses)
}

// forcedStop shuts every slot down, then delivers the injected failure
// contexts to whoever is still draining Responses, bounded by a flush
// timeout.
func (p *Pool) forcedStop() {
	p.stopping = true
	for _, s := range p.slots {
		s.deliver(slotEvent{slot: s, kind: evShutdown})
	}

	if len(p.outQ) > 0 {
		deadline := time.After(shutdownFlushTimeout)
	flush:
		for _, item := range p.outQ {
			select {
			case p.responses <- item.rc:
			case <-deadline:
				log.G(p.ctx).WithField("dropped", len(p.outQ)).
					Warn("consumer gone, dropping undelivered responses")
				break flush
			}
		}
		p.outQ = nil
	}

	p.finalStats = p.snapshotStats()
	close(p.responses)
}

// abort is the escape hatch for internal invariant violations: the
// pool cannot trust its own state anymore and comes down hard.
func (p *Pool) abort() {
	log.G(p.ctx).Error("internal invariant violated, shutting down pool")
	p.acceptOnce.Do(func() { close(p.stopAccepting) })
	p.aborted = true
}

func (p *Pool) snapshotStats() PoolStats {
	st := PoolStats{
		MaxConnections: p.cfg.MaxConnections,

		Idle:            len(p.idleIdx),
		RetryQueued:     len(p.retryBuf),
		PendingDispatch: len(p.outQ),
		EmbargoLevel:    p.emb.level,

		ConnectionsOpened:    p.stats.connectionsOpened,
		ConnectionsClosed:    p.stats.connectionsClosed,
		IdleTimeoutClosed:    p.stats.idleTimeoutClosed,
		LifetimeClosed:       p.stats.lifetimeClosed,
		FailureClosed:        p.stats.failureClosed,
		SubscriptionTimeouts: p.stats.subscriptionTimeouts,
		Retries:              p.stats.retries,
	}
	for _, s := range p.slots {
		if s.state.isConnected() {
			st.Connected++
		}
		if s.state.isConnecting() {
			st.Connecting++
		}
		if s.state.hasReq {
			st.InFlight++
		}
	}
	return st
}
