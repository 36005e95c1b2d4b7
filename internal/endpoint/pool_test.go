// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package endpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kiln.build/pkg/sets"
)

func newTestPool(t *testing.T, configs ...Config) *Pool {
	t.Helper()
	for i := range configs {
		if configs[i].URI == "" {
			configs[i].URI = "/var/run/docker.sock"
			configs[i].Kind = LocalSocket
		}
	}
	p, err := NewPool(configs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAcquireRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, Config{Name: "solo", MaxJobs: 2})

	slot1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	slot2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.InFlight("solo"); got != 2 {
		t.Errorf("InFlight = %d; want 2", got)
	}

	// A third acquire must block until a slot is released.
	acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if slot, err := p.Acquire(acquireCtx); err == nil {
		slot.Release()
		t.Fatal("Acquire succeeded beyond maxjobs")
	} else if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire error = %v; want deadline exceeded", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		slot3, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("Acquire after release: %v", err)
			return
		}
		slot3.Release()
	}()
	slot1.Release()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not wake after Release")
	}
	slot2.Release()

	if got := p.InFlight("solo"); got != 0 {
		t.Errorf("InFlight after releases = %d; want 0", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, Config{Name: "solo", MaxJobs: 1})
	slot, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	slot.Release()
	slot.Release()
	if got := p.InFlight("solo"); got != 0 {
		t.Errorf("InFlight = %d; want 0", got)
	}
}

func TestSelectionPrefersSpareCapacity(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t,
		Config{Name: "small", MaxJobs: 1},
		Config{Name: "big", MaxJobs: 4},
	)

	// Occupy one slot of big: big is at 3/4 spare, small at 1/1.
	first, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	names := sets.New(first.Endpoint().Name(), second.Endpoint().Name())
	if !names.Has("small") || !names.Has("big") {
		t.Errorf("first two slots on %v; want one on each endpoint", names)
	}

	// With small full, everything else lands on big.
	for range 3 {
		slot, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got := slot.Endpoint().Name(); got != "big" {
			t.Errorf("Acquire chose %s; want big", got)
		}
	}
	if got := p.InFlight("big"); got != 4 {
		t.Errorf("InFlight(big) = %d; want 4", got)
	}
}

func TestRoundRobinTiebreak(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t,
		Config{Name: "a", MaxJobs: 2},
		Config{Name: "b", MaxJobs: 2},
	)
	// Equal spare fractions: successive acquires must alternate endpoints.
	var order []string
	for range 4 {
		slot, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, slot.Endpoint().Name())
	}
	if order[0] == order[1] {
		t.Errorf("first two acquisitions on same endpoint: %v", order)
	}
}

func TestMarkUnavailable(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t,
		Config{Name: "a", MaxJobs: 1},
		Config{Name: "b", MaxJobs: 1},
	)
	p.MarkUnavailable("a")
	for range 2 {
		slot, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got := slot.Endpoint().Name(); got != "b" {
			t.Errorf("Acquire chose %s; want b", got)
		}
		slot.Release()
	}
	if got := p.Capacity(); got != 1 {
		t.Errorf("Capacity() = %d; want 1", got)
	}

	p.MarkUnavailable("b")
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("Acquire error = %v; want ErrNoEndpoints", err)
	}
}

func TestMarkUnavailableWakesWaiters(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, Config{Name: "solo", MaxJobs: 1})
	slot, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Release()

	var wg sync.WaitGroup
	wg.Add(1)
	errc := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := p.Acquire(ctx)
		errc <- err
	}()
	p.MarkUnavailable("solo")
	wg.Wait()
	if err := <-errc; !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("blocked Acquire error = %v; want ErrNoEndpoints", err)
	}
}

func TestAcquireExcept(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t,
		Config{Name: "a", MaxJobs: 2},
		Config{Name: "b", MaxJobs: 2},
	)
	for range 2 {
		slot, err := p.AcquireExcept(ctx, sets.New("a"))
		if err != nil {
			t.Fatal(err)
		}
		if got := slot.Endpoint().Name(); got != "b" {
			t.Errorf("AcquireExcept chose %s; want b", got)
		}
	}
}

func TestParseTransportKind(t *testing.T) {
	if k, err := ParseTransportKind("network"); err != nil || k != Network {
		t.Errorf("ParseTransportKind(network) = %v, %v", k, err)
	}
	if k, err := ParseTransportKind("socket"); err != nil || k != LocalSocket {
		t.Errorf("ParseTransportKind(socket) = %v, %v", k, err)
	}
	if _, err := ParseTransportKind("carrier-pigeon"); err == nil {
		t.Error("ParseTransportKind accepted unknown kind")
	}
}
