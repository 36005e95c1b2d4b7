// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"kiln.build/pkg/sets"
	"zombiezen.com/go/log"
)

// ErrNoEndpoints is returned by [Pool.Acquire]
// when every eligible endpoint has been marked unavailable.
var ErrNoEndpoints = errors.New("no endpoints available")

type poolEntry struct {
	ep          *Endpoint
	inFlight    int
	unavailable bool
}

// A Pool tracks live load per endpoint and hands out capacity slots.
//
// Slot acquisition is the sole blocking point for a ready job:
// Acquire waits until some endpoint has spare capacity
// and wakes promptly when a slot is released.
type Pool struct {
	mu      sync.Mutex
	entries []*poolEntry
	cursor  int
	wake    chan struct{}
}

// NewPool constructs a pool from the given endpoint configurations.
func NewPool(configs []Config) (*Pool, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("new endpoint pool: no endpoints configured")
	}
	p := &Pool{wake: make(chan struct{})}
	seen := sets.New[string]()
	for _, cfg := range configs {
		if seen.Has(cfg.Name) {
			return nil, fmt.Errorf("new endpoint pool: duplicate endpoint %s", cfg.Name)
		}
		seen.Add(cfg.Name)
		ep, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("new endpoint pool: %v", err)
		}
		p.entries = append(p.entries, &poolEntry{ep: ep})
	}
	return p, nil
}

// A Slot is one unit of an endpoint's capacity.
// Release must be called exactly once, on every exit path.
type Slot struct {
	pool    *Pool
	entry   *poolEntry
	release sync.Once
}

// Endpoint returns the endpoint the slot belongs to.
func (s *Slot) Endpoint() *Endpoint {
	return s.entry.ep
}

// Release returns the slot to the pool.
// It is safe to call multiple times; only the first call has effect.
func (s *Slot) Release() {
	s.release.Do(func() {
		s.pool.mu.Lock()
		s.entry.inFlight--
		s.pool.broadcastLocked()
		s.pool.mu.Unlock()
	})
}

// Acquire blocks until a slot is free on any available endpoint
// and returns it.
// Acquire returns ctx.Err() if the context is done first,
// or [ErrNoEndpoints] if every endpoint has become unavailable.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	return p.AcquireExcept(ctx, nil)
}

// AcquireExcept is like [Pool.Acquire]
// but never returns a slot on any endpoint named in exclude.
// It is used to retry a job away from an endpoint that failed it.
func (p *Pool) AcquireExcept(ctx context.Context, exclude sets.Set[string]) (*Slot, error) {
	for {
		p.mu.Lock()
		entry, anyEligible := p.selectLocked(exclude)
		if entry != nil {
			entry.inFlight++
			slot := &Slot{pool: p, entry: entry}
			p.mu.Unlock()
			return slot, nil
		}
		if !anyEligible {
			p.mu.Unlock()
			return nil, ErrNoEndpoints
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// selectLocked picks the eligible endpoint with the largest spare capacity
// fraction, tie-broken by a stable round-robin cursor.
// The configured speed hint deliberately does not participate.
func (p *Pool) selectLocked(exclude sets.Set[string]) (chosen *poolEntry, anyEligible bool) {
	n := len(p.entries)
	var bestSpareNum, bestSpareDen int
	bestIndex := -1
	for off := 0; off < n; off++ {
		i := (p.cursor + off) % n
		entry := p.entries[i]
		if entry.unavailable || exclude.Has(entry.ep.name) {
			continue
		}
		anyEligible = true
		spare := entry.ep.maxJobs - entry.inFlight
		if spare <= 0 {
			continue
		}
		// Compare spare/maxJobs fractions without division:
		// spare1/max1 > spare2/max2  <=>  spare1*max2 > spare2*max1.
		if bestIndex < 0 || spare*bestSpareDen > bestSpareNum*entry.ep.maxJobs {
			bestIndex = i
			bestSpareNum = spare
			bestSpareDen = entry.ep.maxJobs
		}
	}
	if bestIndex < 0 {
		return nil, anyEligible
	}
	p.cursor = (bestIndex + 1) % n
	return p.entries[bestIndex], anyEligible
}

// Ping checks connectivity with every endpoint in parallel.
// Unreachable endpoints are marked unavailable with a warning;
// Ping returns [ErrNoEndpoints] only if none responded.
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(p.entries))
	for _, entry := range p.entries {
		if !entry.unavailable {
			endpoints = append(endpoints, entry.ep)
		}
	}
	p.mu.Unlock()

	var group errgroup.Group
	for _, ep := range endpoints {
		group.Go(func() error {
			if err := ep.Ping(ctx); err != nil {
				log.Warnf(ctx, "%v; removing from pool", err)
				p.MarkUnavailable(ep.Name())
			}
			return nil
		})
	}
	group.Wait()
	if p.Capacity() == 0 {
		return ErrNoEndpoints
	}
	return nil
}

// MarkUnavailable removes the named endpoint from scheduling
// for the remainder of the run.
func (p *Pool) MarkUnavailable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if entry.ep.name == name {
			entry.unavailable = true
		}
	}
	// Wake waiters so they can observe ErrNoEndpoints if nothing is left.
	p.broadcastLocked()
}

// InFlight returns the named endpoint's current in-flight count.
func (p *Pool) InFlight(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if entry.ep.name == name {
			return entry.inFlight
		}
	}
	return 0
}

// Capacity returns the aggregate capacity of all available endpoints.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, entry := range p.entries {
		if !entry.unavailable {
			total += entry.ep.maxJobs
		}
	}
	return total
}

func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}
