// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/weiwenchen2022/hostpool/factory"
)

// connIDHeader carries the fake connection's id so tests can observe
// which connection served a response.
const connIDHeader = "X-Conn-Id"

var (
	errConnectRefused = errors.New("fakefactory: connection refused")
	errConnReset      = errors.New("fakefactory: connection reset by peer")
	errFakeClosed     = errors.New("fakefactory: connection closed")
)

// fakeFactory is a scriptable connection factory, just for testing.
type fakeFactory struct {
	mu sync.Mutex

	connects    int // Connect calls
	opened      int // connections handed out
	closedConns int // connections closed
	requestSeq  int // requests seen across all connections

	failConnects  int // fail this many Connect calls before succeeding
	resetRequests int // answer this many requests with a reset

	nextID int

	// handler produces the response for one request. Overridable per
	// test; runs on the write goroutine.
	handler func(c *fakeConn, req *http.Request) (*http.Response, error)
}

func newFakeFactory() *fakeFactory {
	f := &fakeFactory{}
	f.handler = func(c *fakeConn, req *http.Request) (*http.Response, error) {
		return c.response(http.NoBody), nil
	}
	return f
}

func (f *fakeFactory) Connect(context.Context) (factory.Connection, error) {
	f.mu.Lock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		f.mu.Unlock()
		return nil, errConnectRefused
	}
	f.nextID++
	f.opened++
	id := f.nextID
	f.mu.Unlock()

	return &fakeConn{
		f:       f,
		id:      id,
		respCh:  make(chan respResult, 8),
		closeCh: make(chan struct{}),
	}, nil
}

func (f *fakeFactory) stats() (connects, opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.opened, f.closedConns
}

// takeReset consumes one scripted reset, if any remain.
func (f *fakeFactory) takeReset() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestSeq++
	if f.resetRequests > 0 {
		f.resetRequests--
		return true
	}
	return false
}

type respResult struct {
	res *http.Response
	err error
}

type fakeConn struct {
	f  *fakeFactory
	id int

	respCh    chan respResult
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) response(body io.ReadCloser) *http.Response {
	h := make(http.Header)
	h.Set(connIDHeader, strconv.Itoa(c.id))
	cl := int64(0)
	if body != http.NoBody {
		cl = -1
	}
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          body,
		ContentLength: cl,
	}
}

func (c *fakeConn) WriteRequest(r *http.Request) error {
	if r.Body != nil && r.Body != http.NoBody {
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			r.Body.Close()
			return err
		}
		r.Body.Close()
	}

	if c.f.takeReset() {
		c.deliver(respResult{err: errConnReset})
		return nil
	}

	res, err := c.f.handler(c, r)
	if err != nil {
		c.deliver(respResult{err: err})
		return nil
	}
	c.deliver(respResult{res: res})
	return nil
}

func (c *fakeConn) deliver(r respResult) {
	select {
	case c.respCh <- r:
	case <-c.closeCh:
	}
}

func (c *fakeConn) ReadResponse() (*http.Response, error) {
	select {
	case r := <-c.respCh:
		return r.res, r.err
	case <-c.closeCh:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.f.mu.Lock()
		c.f.closedConns++
		c.f.mu.Unlock()
	})
	return nil
}

// Test plumbing.

func newTestPool(t testing.TB, cfg Config) (*Pool, *fakeFactory, *fakeclock.FakeClock) {
	t.Helper()
	f := newFakeFactory()
	p := newTestPoolWithFactory(t, cfg, f)
	return p, f, p.clk.(*fakeclock.FakeClock)
}

func newTestPoolWithFactory(t testing.TB, cfg Config, f factory.Factory) *Pool {
	t.Helper()
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	p, err := newPool(context.Background(), f, cfg, clk)
	assert.NilError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func testRequest(t testing.TB) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://example.test/", http.NoBody)
	assert.NilError(t, err)
	return req
}

func sendRequest(t testing.TB, p *Pool, tag any) {
	t.Helper()
	assert.NilError(t, p.Send(context.Background(), testRequest(t), tag))
}

func recvResponse(t testing.TB, p *Pool) ResponseContext {
	t.Helper()
	select {
	case rc, ok := <-p.Responses():
		if !ok {
			t.Fatal("responses channel closed")
		}
		return rc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a response")
	}
	panic("unreachable")
}

func connIDOf(t testing.TB, rc ResponseContext) int {
	t.Helper()
	assert.NilError(t, rc.Err)
	id, err := strconv.Atoi(rc.Response.Header.Get(connIDHeader))
	assert.NilError(t, err)
	return id
}

func waitStats(t testing.TB, p *Pool, desc string, cond func(PoolStats) bool) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if cond(p.Stats()) {
			return poll.Success()
		}
		return poll.Continue("waiting for %s", desc)
	}, poll.WithDelay(time.Millisecond), poll.WithTimeout(5*time.Second))
}

func waitWatchers(t testing.TB, clk *fakeclock.FakeClock, n int) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if clk.WatcherCount() >= n {
			return poll.Success()
		}
		return poll.Continue("waiting for %d armed timers", n)
	}, poll.WithDelay(time.Millisecond), poll.WithTimeout(5*time.Second))
}

// waitNoWatchers waits until every timer has been disarmed, so a
// subsequent Increment cannot fire one that is about to be cancelled.
func waitNoWatchers(t testing.TB, clk *fakeclock.FakeClock) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if clk.WatcherCount() == 0 {
			return poll.Success()
		}
		return poll.Continue("waiting for timers to disarm")
	}, poll.WithDelay(time.Millisecond), poll.WithTimeout(5*time.Second))
}
