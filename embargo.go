// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"math/rand"
	"time"
)

// embargo is the pool-wide cooldown applied after failed connection
// attempts. It is owned by the pool loop; no locking.
//
// The doubling sequence is capped at half the configured maximum
// because the jitter applied before the next attempt adds up to the
// same amount again (see wait).
type embargo struct {
	base, max time.Duration
	level     time.Duration
}

func newEmbargo(cfg *Config) embargo {
	return embargo{base: cfg.BaseConnectionBackoff, max: cfg.MaxConnectionBackoff}
}

// onAttemptFailed escalates the embargo. prevLevel is the level at
// which the failed attempt began; a slot whose failure raced with an
// escalation by another slot leaves the level alone. Reports whether
// the level changed.
func (e *embargo) onAttemptFailed(prevLevel time.Duration) bool {
	switch {
	case e.level == 0:
		e.level = e.base
	case e.level == prevLevel:
		e.level *= 2
		if ceil := e.max / 2; e.level > ceil {
			e.level = ceil
		}
	default:
		// Another slot already escalated past prevLevel.
		return false
	}
	return e.level != prevLevel
}

// onAttemptSucceeded lifts the embargo. Reports whether it was set.
func (e *embargo) onAttemptSucceeded() bool {
	changed := e.level != 0
	e.level = 0
	return changed
}

// wait returns the jittered duration a slot must sit out before its
// next connection attempt: level + random(0, level).
func (e *embargo) wait() time.Duration {
	if e.level <= 0 {
		return 0
	}
	return e.level + time.Duration(rand.Int63n(int64(e.level)))
}
