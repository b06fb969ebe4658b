// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/weiwenchen2022/hostpool/factory"
)

func TestSuperPoolRoutesByHost(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	keys := []string{}
	factoryFor := func(key string) factory.Factory {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
		return newFakeFactory()
	}

	sp, err := NewSuperPool(factoryFor, DefaultConfig())
	assert.NilError(t, err)
	defer sp.Close()

	send := func(url string, tag any) {
		req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
		assert.NilError(t, err)
		assert.NilError(t, sp.Send(context.Background(), req, tag))
	}

	send("http://a.test/x", "a")
	send("http://b.test:8080/y", "b")
	send("HTTP://A.test/z", "a2") // same pool as a.test

	got := map[any]bool{}
	for i := 0; i < 3; i++ {
		select {
		case rc := <-sp.Responses():
			assert.NilError(t, rc.Err)
			got[rc.Request.Tag] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out awaiting merged responses")
		}
	}
	assert.Assert(t, got["a"] && got["b"] && got["a2"])

	mu.Lock()
	defer mu.Unlock()
	assert.DeepEqual(t, []string{"http://a.test", "http://b.test:8080"}, keys)

	stats := sp.Stats()
	assert.Equal(t, 2, len(stats))
	assert.Equal(t, 1, stats["http://b.test:8080"].Connected)
}

func TestSuperPoolRejectsHostlessRequest(t *testing.T) {
	t.Parallel()

	sp, err := NewSuperPool(func(string) factory.Factory { return newFakeFactory() }, DefaultConfig())
	assert.NilError(t, err)
	defer sp.Close()

	req := &http.Request{}
	assert.ErrorContains(t, sp.Send(context.Background(), req, nil), "no host")
}

func TestSuperPoolClose(t *testing.T) {
	t.Parallel()

	sp, err := NewSuperPool(func(string) factory.Factory { return newFakeFactory() }, DefaultConfig())
	assert.NilError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://c.test/", http.NoBody)
	assert.NilError(t, err)
	assert.NilError(t, sp.Send(context.Background(), req, "c"))

	select {
	case rc := <-sp.Responses():
		assert.NilError(t, rc.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out awaiting response")
	}

	assert.NilError(t, sp.Close())
	assert.NilError(t, sp.Close(), "Close is idempotent")

	_, ok := <-sp.Responses()
	assert.Assert(t, !ok)

	req2, _ := http.NewRequest(http.MethodGet, "http://c.test/", http.NoBody)
	assert.ErrorContains(t, sp.Send(context.Background(), req2, nil), "closed")
}
