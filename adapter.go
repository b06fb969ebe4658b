// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// connID identifies one connection adapter instance. Events carry it
// so callbacks from an abandoned connection are dropped instead of
// ghosting into the slot's next life.
type connID = uuid.UUID

// connAdapter binds a slot to one instance of the connection factory.
// It owns the goroutines that talk to the (blocking) connection and
// marshals their outcomes into the pool loop as slot events.
//
// conn is set by the pool loop upon establishment; closed is the only
// field touched from other goroutines.
type connAdapter struct {
	id connID
	s  *slot
	p  *Pool

	conn   factoryConn
	entity *entityBody
	closed atomic.Bool
}

// factoryConn is the subset of factory.Connection the adapter uses;
// split out so tests can substitute minimal fakes.
type factoryConn interface {
	WriteRequest(*http.Request) error
	ReadResponse() (*http.Response, error)
	Close() error
}

func newConnAdapter(s *slot) *connAdapter {
	return &connAdapter{id: uuid.New(), s: s, p: s.p}
}

func (a *connAdapter) established() bool { return a.conn != nil }

// connect runs the establishment attempt. The factory's blocking
// return is the established future.
func (a *connAdapter) connect() {
	conn, err := a.p.factory.Connect(a.p.ctx)
	if err != nil {
		a.p.post(slotEvent{slot: a.s, connID: a.id, kind: evConnectFailed, err: err})
		return
	}
	if a.closed.Load() {
		// The slot abandoned this attempt (shutdown, isolation).
		conn.Close()
		return
	}
	a.p.post(slotEvent{slot: a.s, connID: a.id, kind: evConnectSucceeded, newConn: conn})
}

// establish is called on the pool loop when evConnectSucceeded is
// delivered; it wires the connection in and starts the reader.
func (a *connAdapter) establish(conn factoryConn) {
	a.conn = conn
	go a.readLoop(conn)
}

// readLoop forwards incoming responses. io.EOF is orderly completion;
// everything else is a connection failure.
func (a *connAdapter) readLoop(conn factoryConn) {
	for {
		res, err := conn.ReadResponse()
		if a.closed.Load() {
			return
		}
		if err != nil {
			kind := evConnectionFailed
			if errors.Is(err, io.EOF) {
				kind = evConnectionCompleted
			}
			a.p.post(slotEvent{slot: a.s, connID: a.id, kind: kind, err: err})
			return
		}

		var eb *entityBody
		switch {
		case res.Body == nil || res.Body == http.NoBody:
		case res.ContentLength == 0:
			// Statically empty; no stream to instrument.
			res.Body.Close()
			res.Body = http.NoBody
		default:
			eb = &entityBody{
				body: res.Body,
				p:    a.p,
				s:    a.s,
				conn: a.id,
			}
			res.Body = eb
		}
		// The entity reference is installed on the adapter by the pool
		// loop when it delivers this event, keeping the field
		// single-writer.
		a.p.post(slotEvent{slot: a.s, connID: a.id, kind: evResponseReceived, res: res, entity: eb})
	}
}

// push writes one request on a fresh goroutine. A failure caused by
// the caller's request body is reported as an entity failure (partial
// send, not retryable); any other write failure is a connection
// failure.
func (a *connAdapter) push(req RequestContext) {
	conn := a.conn
	go func() {
		r := req.Request
		var tracker *requestBody
		if r.Body != nil && r.Body != http.NoBody {
			tracker = &requestBody{body: r.Body}
			clone := *r
			clone.Body = tracker
			r = &clone
		}

		err := conn.WriteRequest(r)
		if a.closed.Load() {
			return
		}
		if err != nil {
			if tracker != nil && tracker.failed.Load() {
				a.p.post(slotEvent{slot: a.s, connID: a.id, kind: evRequestEntityFailed, err: err})
			} else {
				a.p.post(slotEvent{slot: a.s, connID: a.id, kind: evConnectionFailed, err: err})
			}
			return
		}
		if tracker != nil {
			a.p.post(slotEvent{slot: a.s, connID: a.id, kind: evRequestEntityCompleted})
		}
		a.p.post(slotEvent{slot: a.s, connID: a.id, kind: evRequestDispatched})
	}()
}

// close tears the adapter down: at most once, aborting any in-flight
// entity via the kill-switch. Safe to call from the pool loop only.
func (a *connAdapter) close(failure error) {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	if a.entity != nil {
		killErr := failure
		if killErr == nil {
			killErr = ErrEntityDiscarded
		}
		a.entity.kill(killErr)
		a.entity = nil
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

// requestBody instruments an outgoing request body so a write failure
// can be attributed to the caller's stream rather than the connection.
type requestBody struct {
	body   io.ReadCloser
	failed atomic.Bool
}

func (b *requestBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && err != io.EOF {
		b.failed.Store(true)
	}
	return n, err
}

func (b *requestBody) Close() error { return b.body.Close() }

// entityBody instruments a streaming response body. It reports
// first-subscription, completion and failure to the slot, and carries
// the kill-switch the slot pulls on subscription timeout or close.
//
// It is handed to the caller inside the emitted response; Read/Close
// run on the caller's goroutine and marshal into the pool loop via
// post.
type entityBody struct {
	body io.ReadCloser
	p    *Pool
	s    *slot
	conn connID

	mu         sync.Mutex
	subscribed bool
	finished   bool
	killErr    error
}

func (b *entityBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	first := !b.subscribed
	b.subscribed = true
	if b.killErr != nil {
		err := b.killErr
		b.mu.Unlock()
		return 0, err
	}
	if b.finished {
		b.mu.Unlock()
		return 0, io.EOF
	}
	b.mu.Unlock()

	if first {
		b.p.post(slotEvent{slot: b.s, connID: b.conn, kind: evResponseEntitySubscribed})
	}

	n, err := b.body.Read(p)
	switch {
	case err == io.EOF:
		if b.finish() {
			b.p.post(slotEvent{slot: b.s, connID: b.conn, kind: evResponseEntityCompleted})
		}
	case err != nil:
		b.mu.Lock()
		if b.killErr != nil {
			err = b.killErr
		}
		b.mu.Unlock()
		if b.finish() {
			b.p.post(slotEvent{slot: b.s, connID: b.conn, kind: evResponseEntityFailed, err: err})
		}
	}
	return n, err
}

// Close discards the body. Closing before EOF aborts the stream: the
// connection cannot be reused with unread data on it, so the slot is
// told the entity failed and recycles the connection.
func (b *entityBody) Close() error {
	b.mu.Lock()
	wasFinished := b.finished || b.killErr != nil
	b.finished = true
	if !wasFinished {
		b.killErr = ErrEntityDiscarded
	}
	b.mu.Unlock()

	err := b.body.Close()
	if !wasFinished {
		b.p.post(slotEvent{slot: b.s, connID: b.conn, kind: evResponseEntityFailed, err: ErrEntityDiscarded})
	}
	return err
}

// finish marks the stream done exactly once.
func (b *entityBody) finish() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished || b.killErr != nil {
		return false
	}
	b.finished = true
	return true
}

// kill aborts the stream from the pool side. Subsequent reads return
// err; the underlying body is closed to unblock a pending read.
func (b *entityBody) kill(err error) {
	b.mu.Lock()
	if b.finished || b.killErr != nil {
		b.mu.Unlock()
		return
	}
	b.killErr = err
	b.mu.Unlock()
	b.body.Close()
}
