// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
)

// maxTransitionsPerEvent bounds the follow-up iteration in deliver.
// Exceeding it means the state machine is cycling, which is a bug; the
// pool shuts down rather than spin.
const maxTransitionsPerEvent = 10

// eventKind enumerates the events a slot reacts to.
type eventKind uint8

const (
	evPreConnect eventKind = iota
	evConnectSucceeded
	evConnectFailed
	evNewEmbargo
	evNewRequest
	evRequestDispatched
	evRequestEntityCompleted
	evRequestEntityFailed
	evResponseReceived
	evResponseDispatchable
	evResponseEntitySubscribed
	evResponseEntityCompleted
	evResponseEntityFailed
	evConnectionCompleted
	evConnectionFailed
	evTimeout
	evShutdown
)

var eventNames = [...]string{
	evPreConnect:               "onPreConnect",
	evConnectSucceeded:         "onConnectionAttemptSucceeded",
	evConnectFailed:            "onConnectionAttemptFailed",
	evNewEmbargo:               "onNewConnectionEmbargo",
	evNewRequest:               "onNewRequest",
	evRequestDispatched:        "onRequestDispatched",
	evRequestEntityCompleted:   "onRequestEntityCompleted",
	evRequestEntityFailed:      "onRequestEntityFailed",
	evResponseReceived:         "onResponseReceived",
	evResponseDispatchable:     "onResponseDispatchable",
	evResponseEntitySubscribed: "onResponseEntitySubscribed",
	evResponseEntityCompleted:  "onResponseEntityCompleted",
	evResponseEntityFailed:     "onResponseEntityFailed",
	evConnectionCompleted:      "onConnectionCompleted",
	evConnectionFailed:         "onConnectionFailed",
	evTimeout:                  "onTimeout",
	evShutdown:                 "onShutdown",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// slotEvent is the marshalled form of every external and synthesized
// occurrence touching a slot. Adapter goroutines and timers post these
// into the pool loop; the loop guards them for staleness before
// delivery.
type slotEvent struct {
	slot *slot
	kind eventKind

	// connID identifies the originating connection adapter; events
	// from an adapter the slot no longer owns are dropped. Zero for
	// pool-internal events.
	connID connID

	// gen is the timer generation for evTimeout.
	gen uint64

	err     error
	req     RequestContext
	res     *http.Response
	newConn factoryConn   // evConnectSucceeded payload
	entity  *entityBody   // evResponseReceived payload, nil for empty bodies
	embargo time.Duration // evNewEmbargo payload
}

// slot is one logical connection lifecycle. All fields are owned by
// the pool loop.
type slot struct {
	id int
	p  *Pool

	state     slotState
	changedAt time.Time

	// Timer generation; firings carrying an older generation are
	// stale and discarded.
	gen        uint64
	timer      clock.Timer
	timerDone  chan struct{}
	adapter    *connAdapter
	enqueued   bool          // member of the dispatch queue
	embAtStart time.Duration // embargo level when the current connect began

	// disconnectDeadline for max-connection-lifetime recycling; zero
	// when recycling is off.
	deadline time.Time
}

func newSlot(p *Pool, id int) *slot {
	return &slot{
		id:        id,
		p:         p,
		state:     unconnected(),
		changedAt: p.clk.Now(),
	}
}

func (s *slot) logger() *log.Entry {
	return log.G(s.p.ctx).WithField("slot", s.id)
}

// deliver runs the transition driver for one external event, iterating
// synthesized follow-up events to a fixpoint.
func (s *slot) deliver(ev slotEvent) {
	for i := 0; i < maxTransitionsPerEvent; i++ {
		prev := s.state
		next, err := s.transition(prev, ev)
		if err != nil {
			s.isolate(err)
			return
		}

		if sameState(prev, next) {
			// No state change. The timer from before the event is
			// still armed, except when this very event was its
			// firing; then re-arm.
			if ev.kind == evTimeout {
				if d := next.stateTimeout(&s.p.cfg); d > 0 {
					s.armTimer(d)
				}
			}
			return
		}

		s.cancelTimer()
		if next.shouldCloseConnection() {
			s.closeConnection(next.failure)
			next = unconnected()
		}
		s.setState(prev, next)

		s.logger().WithFields(log.Fields{
			"from":  prev.kind.String(),
			"to":    next.kind.String(),
			"event": ev.kind.String(),
		}).Trace("slot transition")

		fev, ok := s.followUp(prev)
		if !ok {
			return
		}
		ev = fev
	}

	s.logger().Error("slot exceeded transition limit, shutting pool down")
	s.p.abort()
}

// sameState reports a no-op transition. Request payloads are not
// compared: they only change together with the discriminant or the
// stashed response.
func sameState(a, b slotState) bool {
	return a.kind == b.kind &&
		a.res == b.res && a.earlyRes == b.earlyRes &&
		a.closeAfter == b.closeAfter && a.wait == b.wait
}

// transition is the per-slot state machine: (state, event) -> state.
// Pool-level side effects (result dispatch, embargo bookkeeping) are
// issued from here, the way the slot context does; connection and
// timer side effects belong to the driver.
func (s *slot) transition(st slotState, ev slotEvent) (slotState, error) {
	p := s.p

	switch ev.kind {
	case evShutdown:
		switch st.kind {
		case stateUnconnected, stateOutOfEmbargo:
			return unconnected(), nil
		case statePreConnecting, stateIdle:
			return toBeClosed(nil), nil
		case stateConnecting:
			if st.hasReq {
				p.dispatchResult(st.req, ErrShutdown, false)
			}
			return toBeClosed(nil), nil
		case statePushingRequest, stateWaitingForResponse, stateWaitingForResponseDispatch:
			p.dispatchResult(st.req, ErrShutdown, false)
			return toBeClosed(ErrShutdown), nil
		case stateWaitingForEntitySubscription, stateWaitingForEndOfEntity:
			// Response already handed downstream; just abort the
			// entity and the connection.
			return toBeClosed(ErrShutdown), nil
		}

	case evPreConnect:
		if st.kind == stateUnconnected {
			return preConnecting(), nil
		}

	case evNewRequest:
		switch st.kind {
		case stateUnconnected:
			return connecting(ev.req, true), nil
		case stateIdle:
			return pushingRequest(ev.req), nil
		}

	case evConnectSucceeded:
		switch st.kind {
		case statePreConnecting:
			s.adapter.establish(ev.newConn)
			s.establishmentDone()
			p.onConnectAttemptSucceeded()
			return idle(), nil
		case stateConnecting:
			s.adapter.establish(ev.newConn)
			s.establishmentDone()
			p.onConnectAttemptSucceeded()
			return pushingRequest(st.req), nil
		}

	case evConnectFailed:
		switch st.kind {
		case statePreConnecting:
			p.onConnectAttemptFailed(s.embAtStart)
			return failed(ev.err), nil
		case stateConnecting:
			p.onConnectAttemptFailed(s.embAtStart)
			if st.hasReq {
				p.dispatchResult(st.req, ev.err, true)
			}
			return failed(ev.err), nil
		}

	case evNewEmbargo:
		switch st.kind {
		case stateUnconnected:
			if wait := p.emb.wait(); wait > 0 {
				return outOfEmbargo(wait), nil
			}
			return st, nil
		case stateOutOfEmbargo:
			if wait := p.emb.wait(); wait > 0 {
				return outOfEmbargo(wait), nil
			}
			return unconnected(), nil
		default:
			// Connected and in-progress slots are unaffected.
			return st, nil
		}

	case evRequestDispatched:
		if st.kind == statePushingRequest {
			if st.earlyRes != nil {
				return waitingForResponseDispatch(st.req, st.earlyRes), nil
			}
			return waitingForResponse(st.req), nil
		}

	case evRequestEntityCompleted:
		// The request body finished; the dispatched event follows on
		// the same goroutine.
		return st, nil

	case evRequestEntityFailed:
		if st.kind == statePushingRequest {
			err := fmt.Errorf("%w: %w", ErrRequestEntityFailed, ev.err)
			p.dispatchResult(st.req, err, false)
			return toBeClosed(err), nil
		}

	case evResponseReceived:
		switch st.kind {
		case stateWaitingForResponse:
			return waitingForResponseDispatch(st.req, ev.res), nil
		case statePushingRequest:
			// Response raced ahead of the request write completing;
			// stash it until onRequestDispatched.
			st.earlyRes = ev.res
			return st, nil
		}

	case evResponseDispatchable:
		if st.kind == stateWaitingForResponseDispatch {
			closeAfter := st.req.Request.Close || st.res.Close || s.lifetimeElapsed()
			return waitingForEntitySubscription(st.req, st.res, closeAfter), nil
		}

	case evResponseEntitySubscribed:
		if st.kind == stateWaitingForEntitySubscription {
			return waitingForEndOfEntity(st.req, st.res, st.closeAfter), nil
		}

	case evResponseEntityCompleted:
		switch st.kind {
		case stateWaitingForEntitySubscription, stateWaitingForEndOfEntity:
			if s.lifetimeElapsed() {
				p.stats.lifetimeClosed++
				return toBeClosed(nil), nil
			}
			if st.closeAfter {
				return toBeClosed(nil), nil
			}
			return idle(), nil
		}

	case evResponseEntityFailed:
		switch st.kind {
		case stateWaitingForEntitySubscription, stateWaitingForEndOfEntity:
			// The response was already handed downstream; the failure
			// only poisons the connection.
			return toBeClosed(ev.err), nil
		}

	case evConnectionCompleted:
		switch st.kind {
		case stateIdle:
			return toBeClosed(nil), nil
		case statePushingRequest, stateWaitingForResponse, stateWaitingForResponseDispatch:
			p.dispatchResult(st.req, ErrConnectionClosed, true)
			return toBeClosed(nil), nil
		case stateWaitingForEntitySubscription, stateWaitingForEndOfEntity:
			return toBeClosed(nil), nil
		}

	case evConnectionFailed:
		err := s.connError(ev.err)
		switch st.kind {
		case stateIdle:
			return toBeClosed(err), nil
		case statePushingRequest, stateWaitingForResponse, stateWaitingForResponseDispatch:
			p.dispatchResult(st.req, err, true)
			return toBeClosed(err), nil
		case stateWaitingForEntitySubscription, stateWaitingForEndOfEntity:
			return toBeClosed(err), nil
		}

	case evTimeout:
		switch st.kind {
		case stateIdle:
			if p.connectionTarget()-1 < p.cfg.MinConnections {
				// Closing would drop below the warm minimum.
				return st, nil
			}
			p.stats.idleTimeoutClosed++
			return toBeClosed(nil), nil
		case stateWaitingForResponse:
			p.dispatchResult(st.req, ErrResponseTimeout, true)
			return toBeClosed(ErrResponseTimeout), nil
		case stateWaitingForEntitySubscription:
			p.stats.subscriptionTimeouts++
			return toBeClosed(ErrSubscriptionTimeout), nil
		case stateOutOfEmbargo:
			return unconnected(), nil
		}
	}

	return st, fmt.Errorf("hostpool: unexpected %v in state %v", ev.kind, st.kind)
}

// setState installs next and keeps the pool indexes in sync.
func (s *slot) setState(prev, next slotState) {
	p := s.p

	wasIdle := p.idleMember(prev)
	s.state = next
	s.changedAt = p.clk.Now()

	if prev.kind == stateWaitingForResponseDispatch &&
		next.kind != stateWaitingForResponseDispatch && s.enqueued {
		p.removeFromOutQ(s)
	}
	if next.kind == stateWaitingForResponseDispatch && !s.enqueued {
		p.enqueueDispatch(s, next)
	}

	if d := next.stateTimeout(&p.cfg); d > 0 {
		s.armTimer(d)
	}

	if nowIdle := p.idleMember(next); nowIdle != wasIdle {
		if nowIdle {
			p.addIdle(s.id)
		} else {
			p.removeIdle(s.id)
		}
	}
}

// followUp synthesizes the immediate event the new state demands, or
// performs its asynchronous kick-off (connect, request push).
func (s *slot) followUp(prev slotState) (slotEvent, bool) {
	st := s.state

	switch st.kind {
	case statePreConnecting, stateConnecting:
		if prev.kind != st.kind {
			s.startConnect()
		}

	case statePushingRequest:
		if prev.kind != statePushingRequest {
			s.adapter.push(st.req)
		}

	case stateWaitingForEntitySubscription:
		if emptyEntity(st.res) {
			return slotEvent{slot: s, kind: evResponseEntitySubscribed}, true
		}

	case stateWaitingForEndOfEntity:
		if emptyEntity(st.res) {
			return slotEvent{slot: s, kind: evResponseEntityCompleted}, true
		}

	case stateUnconnected:
		if s.p.stopping {
			break
		}
		// A slot that just waited out its embargo gets to attempt;
		// only a slot arriving from a connection loss sits out the
		// current level.
		if prev.kind != stateOutOfEmbargo && s.p.emb.level > 0 {
			return slotEvent{slot: s, kind: evNewEmbargo, embargo: s.p.emb.level}, true
		}
		if s.p.needPreconnect() {
			return slotEvent{slot: s, kind: evPreConnect}, true
		}
	}

	return slotEvent{}, false
}

// startConnect binds a fresh adapter and begins establishment.
func (s *slot) startConnect() {
	if s.adapter != nil {
		s.adapter.close(nil)
	}
	s.embAtStart = s.p.emb.level
	s.adapter = newConnAdapter(s)
	go s.adapter.connect()
}

// establishmentDone records bookkeeping for a connection that just
// came up: stats and the lifetime recycling deadline.
func (s *slot) establishmentDone() {
	p := s.p
	p.stats.connectionsOpened++

	s.deadline = time.Time{}
	if lifetime := p.cfg.MaxConnectionLifetime; lifetime > 0 {
		maxJitter := lifetime / 10
		if maxJitter < 2*time.Millisecond {
			maxJitter = 2 * time.Millisecond
		}
		jitter := time.Duration(rand.Int63n(int64(maxJitter)))
		s.deadline = p.clk.Now().Add(lifetime + jitter)
	}
}

func (s *slot) lifetimeElapsed() bool {
	return !s.deadline.IsZero() && s.p.clk.Now().After(s.deadline)
}

func (s *slot) closeConnection(failure error) {
	if s.adapter == nil {
		return
	}
	if s.adapter.established() {
		s.p.stats.connectionsClosed++
		if failure != nil {
			s.p.stats.failureClosed++
		}
	}
	s.adapter.close(failure)
	s.adapter = nil
	s.deadline = time.Time{}
}

func (s *slot) connError(err error) error {
	connID := ""
	if s.adapter != nil {
		connID = s.adapter.id.String()
	}
	return &ConnError{SlotID: s.id, ConnID: connID, Err: err}
}

// armTimer arms the single state timer. The generation captured here
// invalidates any firing of a previously armed timer.
func (s *slot) armTimer(d time.Duration) {
	s.stopTimer()
	s.gen++
	gen := s.gen
	t := s.p.clk.NewTimer(d)
	done := make(chan struct{})
	s.timer, s.timerDone = t, done

	go func() {
		select {
		case <-t.C():
			s.p.post(slotEvent{slot: s, kind: evTimeout, gen: gen})
		case <-done:
		}
	}()
}

func (s *slot) cancelTimer() {
	s.gen++
	s.stopTimer()
}

func (s *slot) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		close(s.timerDone)
		s.timer, s.timerDone = nil, nil
	}
}

// requestInFlight reports whether the slot still owes a result for a
// request (nothing has been emitted downstream for it yet).
func requestInFlight(st slotState) bool {
	switch st.kind {
	case stateConnecting:
		return st.hasReq
	case statePushingRequest, stateWaitingForResponse, stateWaitingForResponseDispatch:
		return true
	}
	return false
}

// isolate contains an unexpected transition error to this slot: log,
// drop everything the slot holds, reset to Unconnected and re-enter.
// Slot errors never propagate to the stage.
func (s *slot) isolate(err error) {
	s.logger().WithError(err).WithField("state", s.state.kind.String()).
		Error("slot error, resetting slot")

	p := s.p
	prev := s.state

	s.cancelTimer()
	if s.enqueued {
		p.removeFromOutQ(s)
	}
	if requestInFlight(prev) {
		p.dispatchResult(prev.req, err, true)
	}
	s.closeConnection(err)

	wasIdle := p.idleMember(prev)
	s.state = unconnected()
	s.changedAt = p.clk.Now()
	if nowIdle := p.idleMember(s.state); nowIdle != wasIdle {
		if nowIdle {
			p.addIdle(s.id)
		} else {
			p.removeIdle(s.id)
		}
	}

	if !p.stopping && p.needPreconnect() {
		s.deliver(slotEvent{slot: s, kind: evPreConnect})
	}
}

// emptyEntity reports a response whose body is statically known to be
// empty (absent, strict-empty, or zero content length); no stream
// exists to drive subscription or completion, so the driver
// synthesizes those events.
func emptyEntity(res *http.Response) bool {
	return res == nil || res.Body == nil || res.Body == http.NoBody ||
		res.ContentLength == 0
}

var errStaleConnection = errors.New("hostpool: idle connection no longer valid")
