// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package factory defines interfaces to be implemented by connection
// factories as used by package hostpool.
//
// Most code should use package hostpool.
//
// A Factory produces Connections to a single host. The pool treats
// Connect as the establishment future: it is called on a fresh
// goroutine, and its return is the moment the connection counts as
// established. An error from Connect is a connect-time failure and
// feeds the pool's embargo; errors surfacing from an established
// Connection are connection-level failures.
//
// Connection implementations may additionally implement Validator.
// IsValid is called before an idle connection is reused; a false
// return discards the connection instead of dispatching on it.
package factory

import (
	"context"
	"net/http"
)

// Factory opens connections to one host.
type Factory interface {
	// Connect establishes a single new connection. It blocks until the
	// connection is usable or fails. The provided context is for
	// establishment only and must not be retained.
	//
	// The returned Connection is only used by one request at a time,
	// though WriteRequest and ReadResponse may be called concurrently
	// with each other and with Close.
	Connect(ctx context.Context) (Connection, error)
}

// The Func type is an adapter to allow the use of ordinary functions
// as connection factories. If f is a function with the appropriate
// signature, Func(f) is a Factory that calls f.
type Func func(ctx context.Context) (Connection, error)

// Connect returns f(ctx).
func (f Func) Connect(ctx context.Context) (Connection, error) {
	return f(ctx)
}

// Connection is a bidirectional request/response pipe to one host.
//
// The wire protocol behind it (HTTP/1.1 framing, TLS, TCP) is entirely
// the implementation's concern; the pool only sequences requests and
// responses on it.
type Connection interface {
	// WriteRequest sends one request, consuming its body if any.
	// It returns once the request has been fully written.
	WriteRequest(*http.Request) error

	// ReadResponse blocks until the next response arrives.
	// It returns io.EOF when the peer has closed the connection in an
	// orderly fashion; any other error is a connection failure.
	//
	// For sequential protocols the implementation may delay the next
	// read until the previous response body has been consumed.
	ReadResponse() (*http.Response, error)

	// Close tears the connection down. It unblocks pending
	// WriteRequest and ReadResponse calls. Close is called at most
	// once by the pool.
	Close() error
}

// Validator may be implemented by a Connection to signal whether it is
// still usable. IsValid is called before the pool dispatches a request
// on an idle connection; the connection is discarded if false is
// returned.
type Validator interface {
	IsValid() bool
}
