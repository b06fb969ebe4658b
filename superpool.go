// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/weiwenchen2022/hostpool/factory"
)

// FactoryFor returns a connection factory for one host key
// ("scheme://authority"). It is how a SuperPool parameterizes its
// per-host pools over transport it does not itself implement.
type FactoryFor func(hostKey string) factory.Factory

// SuperPool demultiplexes requests over per-host Pools keyed by scheme
// and authority. It adds no behavior of its own: each host gets an
// independent Pool with the shared configuration, created on first
// use.
//
// Responses from all hosts are merged onto a single channel with no
// cross-host ordering; callers correlate by tag.
type SuperPool struct {
	cfg        Config
	factoryFor FactoryFor

	responses chan ResponseContext
	done      chan struct{} // closed at Close; unblocks the funnels

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
	wg     sync.WaitGroup
}

// NewSuperPool returns a SuperPool creating per-host pools with cfg
// and the factories produced by factoryFor.
func NewSuperPool(factoryFor FactoryFor, cfg Config) (*SuperPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SuperPool{
		cfg:        cfg,
		factoryFor: factoryFor,
		responses:  make(chan ResponseContext),
		done:       make(chan struct{}),
		pools:      make(map[string]*Pool),
	}, nil
}

// hostKey normalizes a request's target to the pool key.
func hostKey(req *http.Request) (string, error) {
	if req.URL == nil || req.URL.Host == "" {
		return "", fmt.Errorf("hostpool: request has no host")
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + strings.ToLower(req.URL.Host), nil
}

// Send routes one request to its host's pool, creating the pool on
// first use.
func (sp *SuperPool) Send(ctx context.Context, req *http.Request, tag any) error {
	if req == nil {
		return fmt.Errorf("hostpool: nil request")
	}
	key, err := hostKey(req)
	if err != nil {
		return err
	}

	p, err := sp.pool(key)
	if err != nil {
		return err
	}
	return p.Send(ctx, req, tag)
}

func (sp *SuperPool) pool(key string) (*Pool, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil, ErrPoolClosed
	}
	if p, ok := sp.pools[key]; ok {
		return p, nil
	}

	p, err := New(sp.factoryFor(key), sp.cfg)
	if err != nil {
		return nil, err
	}
	sp.pools[key] = p

	// Funnel the host pool's responses into the merged channel until
	// that pool closes.
	sp.wg.Add(1)
	go func() {
		defer sp.wg.Done()
		for rc := range p.Responses() {
			select {
			case sp.responses <- rc:
			case <-sp.done:
				// Closing with nobody draining; match Pool.Close and
				// drop the remainder.
				return
			}
		}
	}()

	return p, nil
}

// Responses is the merged output port for all hosts. Closed once the
// SuperPool is closed and every host pool has stopped.
func (sp *SuperPool) Responses() <-chan ResponseContext {
	return sp.responses
}

// Stats returns per-host snapshots keyed like Send routes.
func (sp *SuperPool) Stats() map[string]PoolStats {
	sp.mu.Lock()
	pools := make(map[string]*Pool, len(sp.pools))
	for key, p := range sp.pools {
		pools[key] = p
	}
	sp.mu.Unlock()

	stats := make(map[string]PoolStats, len(pools))
	for key, p := range pools {
		stats[key] = p.Stats()
	}
	return stats
}

// Close forces every host pool down and closes the merged responses
// channel. Idempotent.
func (sp *SuperPool) Close() error {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return nil
	}
	sp.closed = true
	pools := make([]*Pool, 0, len(sp.pools))
	for _, p := range sp.pools {
		pools = append(pools, p)
	}
	sp.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Close()
		}(p)
	}
	wg.Wait()

	close(sp.done)
	sp.wg.Wait()
	close(sp.responses)
	return nil
}
