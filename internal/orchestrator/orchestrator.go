// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package orchestrator drives a run:
// it dispatches ready jobs to endpoints,
// collects their results, and propagates failures through the build graph.
//
// The run follows a single-coordinator design.
// Worker goroutines execute jobs and report over a results channel;
// only the coordinator goroutine reads or mutates graph and job state,
// so the graph needs no locking.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/buildgraph"
	"kiln.build/pkg/internal/buildlog"
	"kiln.build/pkg/internal/endpoint"
	"kiln.build/pkg/internal/filestore"
	"kiln.build/pkg/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// A PhaseRunner executes one phase of one job on an endpoint.
// It is implemented by [kiln.build/pkg/internal/executor.Docker].
type PhaseRunner interface {
	RunPhase(ctx context.Context, job *buildgraph.Job, phase catalog.Phase, ep *endpoint.Endpoint, stagingDir string) (*buildgraph.PhaseExecution, error)
}

// An Orchestrator runs build graphs.
type Orchestrator struct {
	Pool    *endpoint.Pool
	Runner  PhaseRunner
	Staging *filestore.Staging
	// Stores are the release stores successful jobs publish to.
	// Publication must succeed on every store for the job to succeed.
	Stores []filestore.ReleaseStore
	// Log is the build log. It may be nil;
	// log failures degrade to summary warnings either way.
	Log *buildlog.Store
}

// jobResult is a worker's report back to the coordinator.
type jobResult struct {
	job       *buildgraph.Job
	endpoint  string
	phases    []*buildgraph.PhaseExecution
	artifacts []filestore.Artifact
	err       error
}

// Run executes the graph until every job reaches a terminal state
// or ctx is canceled.
// On cancellation it stops dispatching, waits for in-flight jobs
// to tear down, and marks the remainder aborted.
// The returned summary reports success iff every target succeeded;
// Run itself returns an error only for coordinator-level failures.
func (o *Orchestrator) Run(ctx context.Context, g *buildgraph.Graph, targets []catalog.ID) (*Summary, error) {
	runID := uuid.NewString()
	started := time.Now()
	summary := &Summary{RunID: runID, Started: started}
	log.Infof(ctx, "Run %s: %d jobs", runID, g.Len())

	var runKey int64
	logOK := o.Log != nil
	if logOK {
		key, err := o.Log.BeginRun(ctx, runID, targets, started)
		if err != nil {
			o.degrade(ctx, summary, &logOK, err)
		} else {
			runKey = key
		}
	}

	results := make(chan jobResult)
	inFlight := 0
	inputHashes := make(map[catalog.ID]string)

	dispatch := func() {
		// Cache hits mark jobs succeeded without executing,
		// which can make further jobs ready. Loop to a fixpoint.
		for progressed := true; progressed; {
			progressed = false
			for _, job := range g.Ready() {
				hash := o.inputHash(g, job)
				inputHashes[job.ID()] = hash
				if o.tryCache(ctx, g, job, hash) {
					o.recordJob(ctx, summary, &logOK, runKey, job, hash, nil)
					progressed = true
					continue
				}
				g.MarkRunning(job, time.Now())
				inFlight++
				go o.runJob(ctx, job, results)
			}
		}
	}

	dispatch()
	done := ctx.Done()
	for !g.AllTerminal() {
		if inFlight == 0 {
			// Nothing running and nothing dispatchable:
			// either the run was canceled before completion
			// or dispatch stalled (which would be a coordinator bug).
			for _, job := range g.MarkAborted(time.Now()) {
				o.recordJob(ctx, summary, &logOK, runKey, job, inputHashes[job.ID()], nil)
			}
			break
		}
		select {
		case res := <-results:
			inFlight--
			now := time.Now()
			job := res.job
			job.Endpoint = res.endpoint
			job.Phases = res.phases
			if res.err == nil {
				for _, a := range res.artifacts {
					job.Artifacts = append(job.Artifacts, a.Digest)
				}
				g.MarkSucceeded(job, now)
				log.Infof(ctx, "Job %v succeeded on %s", job.ID(), job.Endpoint)
				o.recordJob(ctx, summary, &logOK, runKey, job, inputHashes[job.ID()], res.artifacts)
			} else if ctx.Err() != nil && errors.Is(res.err, ctx.Err()) {
				// Canceled mid-flight. The job stays non-terminal here
				// and is swept into Aborted once the run drains.
				log.Debugf(ctx, "Job %v canceled", job.ID())
			} else {
				skipped := g.MarkFailed(job, res.err, now)
				log.Errorf(ctx, "Job %v failed: %v", job.ID(), res.err)
				o.recordJob(ctx, summary, &logOK, runKey, job, inputHashes[job.ID()], nil)
				for _, skip := range skipped {
					log.Warnf(ctx, "Job %v skipped (depends on failed %v)", skip.ID(), skip.SkipCause)
					o.recordJob(ctx, summary, &logOK, runKey, skip, "", nil)
				}
			}
			if ctx.Err() == nil {
				dispatch()
			}
		case <-done:
			done = nil
			log.Warnf(ctx, "Run %s canceled; waiting for %d in-flight jobs", runID, inFlight)
		}
	}

	summary.Ended = time.Now()
	if logOK {
		if err := o.Log.FinishRun(ctx, runKey, summary.Ended); err != nil {
			o.degrade(ctx, summary, &logOK, err)
		}
	}

	summary.Success = true
	for _, target := range targets {
		job, ok := g.Job(target)
		if !ok || job.State() != buildgraph.Succeeded {
			summary.Success = false
			break
		}
	}
	for job := range g.Jobs() {
		summary.Jobs = append(summary.Jobs, newJobSummary(job))
	}
	return summary, nil
}

// tryCache marks job succeeded from a prior recorded build if one matches.
func (o *Orchestrator) tryCache(ctx context.Context, g *buildgraph.Graph, job *buildgraph.Job, hash string) bool {
	if o.Log == nil {
		return false
	}
	cached, err := o.Log.FindCachedBuild(ctx, job.ID(), hash)
	if err != nil {
		log.Warnf(ctx, "Skip cache lookup for %v: %v", job.ID(), err)
		return false
	}
	if cached == nil {
		return false
	}
	log.Infof(ctx, "Job %v: reusing build from run %s", job.ID(), cached.RunID)
	job.CacheHit = true
	for _, a := range cached.Artifacts {
		job.Artifacts = append(job.Artifacts, a.Digest)
	}
	g.MarkSucceeded(job, time.Now())
	return true
}

// runJob executes every phase of job, publishes its artifacts,
// and reports the outcome.
// Endpoint-scoped failures mark the endpoint unavailable and
// retry the whole job elsewhere; everything else fails the job.
func (o *Orchestrator) runJob(ctx context.Context, job *buildgraph.Job, results chan<- jobResult) {
	res := jobResult{job: job}
	exclude := sets.New[string]()
	for {
		slot, err := o.Pool.AcquireExcept(ctx, exclude)
		if err != nil {
			if errors.Is(err, endpoint.ErrNoEndpoints) && exclude.Len() > 0 {
				err = fmt.Errorf("job %v: %w after failures on %v", job.ID(), err, exclude)
			}
			res.err = err
			results <- res
			return
		}
		res.endpoint = slot.Endpoint().Name()
		res.phases, res.artifacts, res.err = o.runOnSlot(ctx, job, slot)
		slot.Release()

		var epErr *endpoint.Error
		if errors.As(res.err, &epErr) && ctx.Err() == nil {
			log.Warnf(ctx, "Job %v: endpoint %s failed (%v); retrying elsewhere", job.ID(), epErr.Endpoint, epErr.Err)
			o.Pool.MarkUnavailable(epErr.Endpoint)
			exclude.Add(epErr.Endpoint)
			res.phases, res.artifacts, res.err = nil, nil, nil
			continue
		}
		results <- res
		return
	}
}

// runOnSlot runs job's phases strictly in order on the slot's endpoint.
// The terminal phase stages the container's outputs,
// which are then published to every release store.
func (o *Orchestrator) runOnSlot(ctx context.Context, job *buildgraph.Job, slot *endpoint.Slot) ([]*buildgraph.PhaseExecution, []filestore.Artifact, error) {
	var phases []*buildgraph.PhaseExecution
	var stagingDir string
	specPhases := job.Spec.Phases
	for i, phase := range specPhases {
		dir := ""
		if i == len(specPhases)-1 {
			var err error
			if dir, err = o.Staging.JobDir(job.ID()); err != nil {
				return phases, nil, err
			}
			stagingDir = dir
		}
		log.Debugf(ctx, "Job %v: phase %s on %s", job.ID(), phase, slot.Endpoint().Name())
		pe, err := o.Runner.RunPhase(ctx, job, phase, slot.Endpoint(), dir)
		if pe != nil {
			phases = append(phases, pe)
		}
		if err != nil {
			return phases, nil, err
		}
	}

	var artifacts []filestore.Artifact
	for _, store := range o.Stores {
		published, err := store.Publish(ctx, job.ID(), stagingDir)
		if err != nil {
			return phases, nil, err
		}
		if artifacts == nil {
			artifacts = published
		}
	}
	return phases, artifacts, nil
}

// inputHash fingerprints everything that determines a job's output:
// the image, the script, the phase list,
// and the published artifact digests of every dependency.
// Dependencies have succeeded by the time the job is ready,
// so their digests are final.
func (o *Orchestrator) inputHash(g *buildgraph.Graph, job *buildgraph.Job) string {
	h := nix.NewHasher(nix.SHA256)
	io.WriteString(h, job.Spec.Image)
	h.Write([]byte{0})
	io.WriteString(h, job.Spec.Script)
	h.Write([]byte{0})
	for _, phase := range job.Spec.Phases {
		io.WriteString(h, string(phase))
		h.Write([]byte{0})
	}
	for dep := range g.Dependencies(job) {
		io.WriteString(h, dep.ID().String())
		h.Write([]byte{0})
		for _, digest := range dep.Artifacts {
			io.WriteString(h, digest)
			h.Write([]byte{0})
		}
	}
	return h.SumHash().SRI()
}

// recordJob appends a terminal job to the build log.
// Failures degrade the log for the rest of the run instead of failing it.
func (o *Orchestrator) recordJob(ctx context.Context, summary *Summary, logOK *bool, runKey int64, job *buildgraph.Job, inputHash string, artifacts []filestore.Artifact) {
	if !*logOK {
		return
	}
	if err := o.Log.RecordJob(ctx, runKey, job, inputHash, artifacts); err != nil {
		o.degrade(ctx, summary, logOK, err)
	}
}

func (o *Orchestrator) degrade(ctx context.Context, summary *Summary, logOK *bool, err error) {
	log.Warnf(ctx, "Build log unavailable: %v", err)
	summary.Warnings = append(summary.Warnings, fmt.Sprintf("build log unavailable: %v", err))
	*logOK = false
}
