// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"net/http"
	"time"
)

// stateKind discriminates the slot states.
type stateKind uint8

const (
	// Idle / init group.
	stateUnconnected stateKind = iota
	statePreConnecting
	stateConnecting
	stateIdle

	// Request phase.
	statePushingRequest
	stateWaitingForResponse
	stateWaitingForResponseDispatch

	// Response phase.
	stateWaitingForEntitySubscription
	stateWaitingForEndOfEntity

	// Terminal / transient.
	stateToBeClosed
	stateFailed
	stateOutOfEmbargo
)

var stateNames = [...]string{
	stateUnconnected:                  "Unconnected",
	statePreConnecting:                "PreConnecting",
	stateConnecting:                   "Connecting",
	stateIdle:                         "Idle",
	statePushingRequest:               "PushingRequestToConnection",
	stateWaitingForResponse:           "WaitingForResponse",
	stateWaitingForResponseDispatch:   "WaitingForResponseDispatch",
	stateWaitingForEntitySubscription: "WaitingForResponseEntitySubscription",
	stateWaitingForEndOfEntity:        "WaitingForEndOfResponseEntity",
	stateToBeClosed:                   "ToBeClosed",
	stateFailed:                       "Failed",
	stateOutOfEmbargo:                 "OutOfEmbargo",
}

func (k stateKind) String() string {
	if int(k) < len(stateNames) {
		return stateNames[k]
	}
	return "Unknown"
}

// slotState is a tagged variant: kind selects the state, the remaining
// fields are that state's payload and are zero otherwise.
type slotState struct {
	kind stateKind

	// Request in flight, request and response phases. hasReq also
	// distinguishes a request-driven Connecting from a preconnect.
	req    RequestContext
	hasReq bool

	// Response pending dispatch or streaming.
	res *http.Response

	// A response that arrived while the request was still being
	// pushed; promoted once the push completes.
	earlyRes *http.Response

	// Close the connection once the response entity completes.
	closeAfter bool

	// Failure to report when the driver closes the connection
	// (ToBeClosed, Failed).
	failure error

	// Jittered wait before the next connection attempt (OutOfEmbargo).
	wait time.Duration
}

func (st slotState) isIdle() bool {
	return st.kind == stateUnconnected || st.kind == stateIdle
}

func (st slotState) isConnected() bool {
	switch st.kind {
	case stateIdle, statePushingRequest, stateWaitingForResponse,
		stateWaitingForResponseDispatch, stateWaitingForEntitySubscription,
		stateWaitingForEndOfEntity:
		return true
	}
	return false
}

// isConnecting reports an establishment in progress. Connecting slots
// count toward the warm-connection target so a flapping host does not
// trigger a preconnect storm.
func (st slotState) isConnecting() bool {
	return st.kind == statePreConnecting || st.kind == stateConnecting
}

func (st slotState) shouldCloseConnection() bool {
	return st.kind == stateToBeClosed || st.kind == stateFailed
}

// stateTimeout returns the timer to arm for the state, or zero for
// none.
func (st slotState) stateTimeout(cfg *Config) time.Duration {
	switch st.kind {
	case stateIdle:
		return cfg.IdleTimeout
	case stateWaitingForResponse:
		return cfg.ResponseTimeout
	case stateWaitingForEntitySubscription:
		return cfg.ResponseEntitySubscriptionTimeout
	case stateOutOfEmbargo:
		return st.wait
	}
	return 0
}

// Constructors. Keeping them together documents which payload each
// variant carries.

func unconnected() slotState { return slotState{kind: stateUnconnected} }

func preConnecting() slotState { return slotState{kind: statePreConnecting} }

func connecting(req RequestContext, hasReq bool) slotState {
	return slotState{kind: stateConnecting, req: req, hasReq: hasReq}
}

func idle() slotState { return slotState{kind: stateIdle} }

func pushingRequest(req RequestContext) slotState {
	return slotState{kind: statePushingRequest, req: req, hasReq: true}
}

func waitingForResponse(req RequestContext) slotState {
	return slotState{kind: stateWaitingForResponse, req: req, hasReq: true}
}

func waitingForResponseDispatch(req RequestContext, res *http.Response) slotState {
	return slotState{kind: stateWaitingForResponseDispatch, req: req, hasReq: true, res: res}
}

func waitingForEntitySubscription(req RequestContext, res *http.Response, closeAfter bool) slotState {
	return slotState{
		kind: stateWaitingForEntitySubscription,
		req:  req, hasReq: true,
		res: res, closeAfter: closeAfter,
	}
}

func waitingForEndOfEntity(req RequestContext, res *http.Response, closeAfter bool) slotState {
	return slotState{
		kind: stateWaitingForEndOfEntity,
		req:  req, hasReq: true,
		res: res, closeAfter: closeAfter,
	}
}

func toBeClosed(failure error) slotState {
	return slotState{kind: stateToBeClosed, failure: failure}
}

func failed(err error) slotState {
	return slotState{kind: stateFailed, failure: err}
}

func outOfEmbargo(wait time.Duration) slotState {
	return slotState{kind: stateOutOfEmbargo, wait: wait}
}
