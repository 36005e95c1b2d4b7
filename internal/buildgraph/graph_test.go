// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package buildgraph

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kiln.build/pkg/catalog"
)

func mustCatalog(t *testing.T, specs ...*catalog.Spec) *catalog.Catalog {
	t.Helper()
	for _, spec := range specs {
		if spec.Image == "" {
			spec.Image = "docker.io/library/alpine:3.20"
		}
		if len(spec.Phases) == 0 {
			spec.Phases = []catalog.Phase{"build"}
		}
		if spec.Version == "" {
			spec.Version = "1"
		}
	}
	c, err := catalog.New(specs)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func id(name string) catalog.ID {
	return catalog.ID{Name: catalog.Name(name), Version: "1"}
}

func TestBuild(t *testing.T) {
	t.Run("Diamond", func(t *testing.T) {
		c := mustCatalog(t,
			&catalog.Spec{Name: "base"},
			&catalog.Spec{Name: "lib1", Dependencies: []catalog.ID{id("base")}},
			&catalog.Spec{Name: "lib2", Dependencies: []catalog.ID{id("base")}},
			&catalog.Spec{Name: "app", Dependencies: []catalog.ID{id("lib1"), id("lib2")}},
		)
		g, err := Build(c, []catalog.ID{id("app")})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := g.Len(), 4; got != want {
			t.Fatalf("Len() = %d; want %d", got, want)
		}
		wantLevels := map[string]int{"base": 0, "lib1": 1, "lib2": 1, "app": 2}
		for job := range g.Jobs() {
			if got := job.Level(); got != wantLevels[string(job.Spec.Name)] {
				t.Errorf("level(%v) = %d; want %d", job.ID(), got, wantLevels[string(job.Spec.Name)])
			}
		}
	})

	t.Run("TargetSubtree", func(t *testing.T) {
		c := mustCatalog(t,
			&catalog.Spec{Name: "base"},
			&catalog.Spec{Name: "lib", Dependencies: []catalog.ID{id("base")}},
			&catalog.Spec{Name: "unrelated"},
		)
		g, err := Build(c, []catalog.ID{id("lib")})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := g.Job(id("unrelated")); ok {
			t.Error("graph includes package outside the targeted subtree")
		}
		if g.Len() != 2 {
			t.Errorf("Len() = %d; want 2", g.Len())
		}
	})

	t.Run("UnknownDependency", func(t *testing.T) {
		c := mustCatalog(t,
			&catalog.Spec{Name: "app", Dependencies: []catalog.ID{id("ghost")}},
		)
		_, err := Build(c, []catalog.ID{id("app")})
		var graphErr *GraphError
		if !errors.As(err, &graphErr) || graphErr.Kind != UnknownDependency {
			t.Fatalf("Build() error = %v; want GraphError(UnknownDependency)", err)
		}
		if graphErr.Dependency != id("ghost") {
			t.Errorf("Dependency = %v; want %v", graphErr.Dependency, id("ghost"))
		}
	})

	t.Run("CycleDetected", func(t *testing.T) {
		c := mustCatalog(t,
			&catalog.Spec{Name: "a", Dependencies: []catalog.ID{id("b")}},
			&catalog.Spec{Name: "b", Dependencies: []catalog.ID{id("c")}},
			&catalog.Spec{Name: "c", Dependencies: []catalog.ID{id("a")}},
			&catalog.Spec{Name: "standalone"},
		)
		_, err := Build(c, []catalog.ID{id("a"), id("standalone")})
		var graphErr *GraphError
		if !errors.As(err, &graphErr) || graphErr.Kind != CycleDetected {
			t.Fatalf("Build() error = %v; want GraphError(CycleDetected)", err)
		}
		got := make([]string, len(graphErr.Cycle))
		for i, cid := range graphErr.Cycle {
			got[i] = string(cid.Name)
		}
		slices.Sort(got)
		if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
			t.Errorf("implicated packages (-want +got):\n%s", diff)
		}
	})
}

func TestReady(t *testing.T) {
	c := mustCatalog(t,
		&catalog.Spec{Name: "base"},
		&catalog.Spec{Name: "app", Dependencies: []catalog.ID{id("base")}},
	)
	g, err := Build(c, []catalog.ID{id("app")})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	ready := g.Ready()
	if len(ready) != 1 || ready[0].ID() != id("base") {
		t.Fatalf("Ready() = %v; want [base@1]", readyIDs(ready))
	}

	g.MarkRunning(ready[0], now)
	if len(g.Ready()) != 0 {
		t.Errorf("Ready() while base running = %v; want none", readyIDs(g.Ready()))
	}

	g.MarkSucceeded(ready[0], now)
	ready = g.Ready()
	if len(ready) != 1 || ready[0].ID() != id("app") {
		t.Fatalf("Ready() after base = %v; want [app@1]", readyIDs(ready))
	}
}

func TestMarkFailedPropagates(t *testing.T) {
	c := mustCatalog(t,
		&catalog.Spec{Name: "a"},
		&catalog.Spec{Name: "b", Dependencies: []catalog.ID{id("a")}},
		&catalog.Spec{Name: "c", Dependencies: []catalog.ID{id("b")}},
		&catalog.Spec{Name: "d"},
	)
	g, err := Build(c, []catalog.ID{id("c"), id("d")})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	a, _ := g.Job(id("a"))
	g.MarkRunning(a, now)
	skipped := g.MarkFailed(a, errors.New("boom"), now)

	got := readyIDs(skipped)
	slices.Sort(got)
	if diff := cmp.Diff([]string{"b@1", "c@1"}, got); diff != "" {
		t.Errorf("skipped (-want +got):\n%s", diff)
	}
	b, _ := g.Job(id("b"))
	if b.State() != Skipped || b.SkipCause != id("a") {
		t.Errorf("b: state=%v cause=%v; want skipped, a@1", b.State(), b.SkipCause)
	}
	// Unrelated branch is untouched.
	d, _ := g.Job(id("d"))
	if d.State() != Pending {
		t.Errorf("d.State() = %v; want pending", d.State())
	}
	if g.AllTerminal() {
		t.Error("AllTerminal() = true with d still pending")
	}

	g.MarkRunning(d, now)
	g.MarkSucceeded(d, now)
	if !g.AllTerminal() {
		t.Error("AllTerminal() = false; want true")
	}
	want := map[State]int{Failed: 1, Skipped: 2, Succeeded: 1}
	if diff := cmp.Diff(want, g.Counts()); diff != "" {
		t.Errorf("Counts() (-want +got):\n%s", diff)
	}
}

func TestMarkAborted(t *testing.T) {
	c := mustCatalog(t,
		&catalog.Spec{Name: "a"},
		&catalog.Spec{Name: "b", Dependencies: []catalog.ID{id("a")}},
	)
	g, err := Build(c, []catalog.ID{id("b")})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	a, _ := g.Job(id("a"))
	g.MarkRunning(a, now)
	g.MarkSucceeded(a, now)

	aborted := g.MarkAborted(now)
	if len(aborted) != 1 || aborted[0].ID() != id("b") {
		t.Fatalf("MarkAborted() = %v; want [b@1]", readyIDs(aborted))
	}
	if a.State() != Succeeded {
		t.Errorf("a.State() = %v; want succeeded (terminal states are preserved)", a.State())
	}
}

func readyIDs(jobs []*Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID().String()
	}
	return ids
}
