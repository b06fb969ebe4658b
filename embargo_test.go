// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestEmbargoEscalation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BaseConnectionBackoff = 100 * time.Millisecond
	cfg.MaxConnectionBackoff = 2 * time.Second
	e := newEmbargo(&cfg)

	// 0 -> base -> base*2 -> ... capped at half the maximum.
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	prev := time.Duration(0)
	for i, w := range want {
		changed := e.onAttemptFailed(prev)
		assert.Equal(t, w, e.level, "level after failure %d", i+1)
		assert.Equal(t, w != prev, changed)
		prev = e.level
	}
}

func TestEmbargoConcurrentFailureDoesNotDoubleEscalate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BaseConnectionBackoff = 100 * time.Millisecond
	e := newEmbargo(&cfg)

	assert.Assert(t, e.onAttemptFailed(0))
	assert.Assert(t, e.onAttemptFailed(100*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, e.level)

	// A second slot whose attempt began at the old level loses the
	// race: the level was already escalated past it.
	assert.Assert(t, !e.onAttemptFailed(100*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, e.level)
}

func TestEmbargoResetOnSuccess(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	e := newEmbargo(&cfg)

	assert.Assert(t, !e.onAttemptSucceeded(), "reset of a zero embargo is not a change")

	e.onAttemptFailed(0)
	assert.Assert(t, e.level > 0)
	assert.Assert(t, e.onAttemptSucceeded())
	assert.Equal(t, time.Duration(0), e.level)
}

func TestEmbargoWaitJitterBounds(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	e := newEmbargo(&cfg)
	assert.Equal(t, time.Duration(0), e.wait())

	e.level = 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		w := e.wait()
		assert.Assert(t, w >= 100*time.Millisecond && w < 200*time.Millisecond,
			"wait %v out of [level, 2*level)", w)
	}
}
