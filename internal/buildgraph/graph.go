// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package buildgraph constructs and validates the directed acyclic graph
// of build jobs for a run.
//
// The graph is an arena of [Job] nodes addressed by integer indices,
// with dependency edges stored as index lists.
// It is owned by a single run:
// all state transitions happen on the orchestrator's coordinator goroutine
// and the graph performs no locking of its own.
package buildgraph

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/xslices"
	"kiln.build/pkg/sets"
)

// GraphErrorKind discriminates the fatal pre-run graph errors.
type GraphErrorKind int

// Graph error kinds.
const (
	// UnknownDependency means a spec names a dependency
	// that does not resolve to a catalog entry.
	UnknownDependency GraphErrorKind = iota + 1
	// CycleDetected means the dependency relation contains a cycle.
	CycleDetected
)

// A GraphError is a fatal error found while constructing the build graph.
// No container is ever started for a run whose graph fails to build.
type GraphError struct {
	Kind GraphErrorKind
	// Package is the package whose dependency could not be resolved
	// (UnknownDependency only).
	Package catalog.ID
	// Dependency is the unresolved dependency identity
	// (UnknownDependency only).
	Dependency catalog.ID
	// Cycle is the set of packages implicated in the cycle
	// (CycleDetected only).
	Cycle []catalog.ID
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case UnknownDependency:
		return fmt.Sprintf("package %v depends on unknown package %v", e.Package, e.Dependency)
	case CycleDetected:
		names := make([]string, len(e.Cycle))
		for i, id := range e.Cycle {
			names[i] = id.String()
		}
		return fmt.Sprintf("dependency cycle involving %s", strings.Join(names, ", "))
	default:
		return "unknown graph error"
	}
}

// PhaseExecution records the outcome of a single phase of a single job.
type PhaseExecution struct {
	Phase    catalog.Phase
	Endpoint string
	ExitCode int
	Output   []byte
	Started  time.Time
	Ended    time.Time
}

// Duration returns the wall-clock duration of the phase.
func (pe *PhaseExecution) Duration() time.Duration {
	return pe.Ended.Sub(pe.Started)
}

// A Job is one package's scheduled build within a run.
type Job struct {
	// Spec is the immutable package specification this job builds.
	Spec *catalog.Spec

	index      int
	deps       []int
	dependents []int
	level      int

	state State
	// Phases holds the results of phases executed so far, in order.
	Phases []*PhaseExecution
	// Endpoint is the name of the endpoint the job ran on, once assigned.
	Endpoint string
	Started  time.Time
	Ended    time.Time
	// Artifacts are the content digests of published artifacts.
	Artifacts []string
	// Err is the job-scoped error that failed the job, if any.
	Err error
	// SkipCause is the identity of the failed ancestor
	// that caused this job to be skipped.
	SkipCause catalog.ID
	// CacheHit is true if the job was marked succeeded
	// from a previous recorded build instead of executing.
	CacheHit bool
}

// ID returns the identity of the job's package.
func (j *Job) ID() catalog.ID {
	return j.Spec.ID()
}

// State returns the job's current state.
func (j *Job) State() State {
	return j.state
}

// Level returns the job's topological level:
// jobs with no dependencies are at level 0,
// and every other job is one level above its deepest dependency.
func (j *Job) Level() int {
	return j.level
}

// A Graph is the full set of jobs for a run plus their dependency edges.
type Graph struct {
	jobs  []*Job
	index map[catalog.ID]int
}

// Build resolves the requested targets against the catalog,
// constructs a job node for every package in the targets' dependency closure,
// and validates that the dependency relation is acyclic.
// Build has no side effects: it is purely a function of its arguments.
func Build(c *catalog.Catalog, targets []catalog.ID) (*Graph, error) {
	// Resolve the requested subset and walk the dependency closure.
	reached := make(map[catalog.ID]*catalog.Spec)
	var stack []*catalog.Spec
	for _, target := range targets {
		spec, err := c.Resolve(target)
		if err != nil {
			return nil, err
		}
		stack = append(stack, spec)
	}
	for len(stack) > 0 {
		spec := xslices.Last(stack)
		stack = xslices.Pop(stack, 1)
		if _, visited := reached[spec.ID()]; visited {
			continue
		}
		reached[spec.ID()] = spec
		for _, dep := range spec.Dependencies {
			depSpec, ok := c.Get(dep)
			if !ok {
				return nil, &GraphError{
					Kind:       UnknownDependency,
					Package:    spec.ID(),
					Dependency: dep,
				}
			}
			stack = append(stack, depSpec)
		}
	}

	// Arena order is sorted identity order so indices (and everything derived
	// from them) are stable across runs of the same catalog.
	ids := make([]catalog.ID, 0, len(reached))
	for id := range reached {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b catalog.ID) int {
		return strings.Compare(a.String(), b.String())
	})

	g := &Graph{
		jobs:  make([]*Job, 0, len(ids)),
		index: make(map[catalog.ID]int, len(ids)),
	}
	for i, id := range ids {
		g.jobs = append(g.jobs, &Job{Spec: reached[id], index: i})
		g.index[id] = i
	}
	for _, job := range g.jobs {
		for _, dep := range job.Spec.Dependencies {
			di := g.index[dep]
			job.deps = append(job.deps, di)
			g.jobs[di].dependents = append(g.jobs[di].dependents, job.index)
		}
	}

	if err := g.level(); err != nil {
		return nil, err
	}
	return g, nil
}

// level runs a Kahn-style in-degree reduction to compute topological levels.
// Any node that cannot be reduced is part of a cycle.
func (g *Graph) level() error {
	indegree := make([]int, len(g.jobs))
	for _, job := range g.jobs {
		indegree[job.index] = len(job.deps)
	}
	var frontier []int
	for i, n := range indegree {
		if n == 0 {
			frontier = append(frontier, i)
		}
	}
	reduced := 0
	for len(frontier) > 0 {
		var next []int
		for _, i := range frontier {
			reduced++
			for _, di := range g.jobs[i].dependents {
				dependent := g.jobs[di]
				dependent.level = max(dependent.level, g.jobs[i].level+1)
				indegree[di]--
				if indegree[di] == 0 {
					next = append(next, di)
				}
			}
		}
		frontier = next
	}
	if reduced == len(g.jobs) {
		return nil
	}
	err := &GraphError{Kind: CycleDetected}
	for i, n := range indegree {
		if n > 0 {
			err.Cycle = append(err.Cycle, g.jobs[i].ID())
		}
	}
	return err
}

// Len returns the number of jobs in the graph.
func (g *Graph) Len() int {
	return len(g.jobs)
}

// Job returns the job for the given package identity.
func (g *Graph) Job(id catalog.ID) (*Job, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.jobs[i], true
}

// Jobs returns an iterator over all jobs in stable (sorted identity) order.
func (g *Graph) Jobs() iter.Seq[*Job] {
	return func(yield func(*Job) bool) {
		for _, job := range g.jobs {
			if !yield(job) {
				return
			}
		}
	}
}

// Dependencies returns an iterator over job's dependency jobs.
func (g *Graph) Dependencies(job *Job) iter.Seq[*Job] {
	return func(yield func(*Job) bool) {
		for _, i := range job.deps {
			if !yield(g.jobs[i]) {
				return
			}
		}
	}
}

// Ready returns the jobs whose state is Pending
// and whose dependencies have all succeeded, in stable order.
func (g *Graph) Ready() []*Job {
	var ready []*Job
	for _, job := range g.jobs {
		if job.state != Pending {
			continue
		}
		ok := true
		for _, di := range job.deps {
			if g.jobs[di].state != Succeeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, job)
		}
	}
	return ready
}

// AllTerminal reports whether every job has reached a terminal state.
func (g *Graph) AllTerminal() bool {
	for _, job := range g.jobs {
		if !job.state.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of jobs per state.
func (g *Graph) Counts() map[State]int {
	counts := make(map[State]int)
	for _, job := range g.jobs {
		counts[job.state]++
	}
	return counts
}

// MarkRunning transitions a pending job to running.
func (g *Graph) MarkRunning(job *Job, now time.Time) {
	if job.state != Pending {
		panic(fmt.Sprintf("job %v: running from %v", job.ID(), job.state))
	}
	job.state = Running
	job.Started = now
}

// MarkSucceeded transitions a job to succeeded.
// Pending jobs may succeed directly when a prior recorded build is reused.
func (g *Graph) MarkSucceeded(job *Job, now time.Time) {
	if job.state.IsTerminal() {
		panic(fmt.Sprintf("job %v: succeeded from %v", job.ID(), job.state))
	}
	job.state = Succeeded
	job.Ended = now
}

// MarkFailed transitions a job to failed with the given job-scoped error
// and marks every transitive dependent skipped.
// It returns the skipped jobs.
func (g *Graph) MarkFailed(job *Job, err error, now time.Time) []*Job {
	if job.state.IsTerminal() {
		panic(fmt.Sprintf("job %v: failed from %v", job.ID(), job.state))
	}
	job.state = Failed
	job.Err = err
	job.Ended = now

	var skipped []*Job
	visited := sets.New(job.index)
	stack := slices.Clone(job.dependents)
	for len(stack) > 0 {
		i := xslices.Last(stack)
		stack = xslices.Pop(stack, 1)
		if visited.Has(i) {
			continue
		}
		visited.Add(i)
		dependent := g.jobs[i]
		if !dependent.state.IsTerminal() {
			dependent.state = Skipped
			dependent.SkipCause = job.ID()
			dependent.Ended = now
			skipped = append(skipped, dependent)
		}
		stack = append(stack, dependent.dependents...)
	}
	return skipped
}

// MarkAborted transitions every non-terminal job to aborted.
// It returns the aborted jobs.
func (g *Graph) MarkAborted(now time.Time) []*Job {
	var aborted []*Job
	for _, job := range g.jobs {
		if !job.state.IsTerminal() {
			job.state = Aborted
			job.Ended = now
			aborted = append(aborted, job)
		}
	}
	return aborted
}
