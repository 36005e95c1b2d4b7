// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package orchestrator

import (
	"errors"
	"time"

	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/buildgraph"
	"kiln.build/pkg/internal/endpoint"
	"kiln.build/pkg/internal/executor"
	"kiln.build/pkg/internal/filestore"
)

// A Summary is the complete report of one run.
type Summary struct {
	RunID   string    `json:"runId"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	// Success is true iff every requested target succeeded.
	Success bool          `json:"success"`
	Jobs    []*JobSummary `json:"jobs"`
	// Warnings are non-fatal degradations,
	// such as build log writes that failed.
	Warnings []string `json:"warnings,omitempty"`
}

// Counts returns the number of jobs per terminal state name.
func (s *Summary) Counts() map[string]int {
	counts := make(map[string]int)
	for _, job := range s.Jobs {
		counts[job.State]++
	}
	return counts
}

// A JobSummary is the report of one job within a run.
type JobSummary struct {
	Package  string `json:"package"`
	State    string `json:"state"`
	Endpoint string `json:"endpoint,omitempty"`
	CacheHit bool   `json:"cacheHit,omitempty"`
	// Duration is zero for jobs that never started.
	Duration time.Duration   `json:"duration,omitempty"`
	Phases   []*PhaseSummary `json:"phases,omitempty"`
	// Artifacts are the content digests of the job's published artifacts.
	Artifacts []string `json:"artifacts,omitempty"`
	ErrorKind string   `json:"errorKind,omitempty"`
	Error     string   `json:"error,omitempty"`
	// SkipCause names the failed ancestor of a skipped job.
	SkipCause string `json:"skipCause,omitempty"`
}

// A PhaseSummary is the report of one executed phase.
type PhaseSummary struct {
	Phase    string        `json:"phase"`
	Endpoint string        `json:"endpoint"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

func newJobSummary(job *buildgraph.Job) *JobSummary {
	js := &JobSummary{
		Package:   job.ID().String(),
		State:     job.State().String(),
		Endpoint:  job.Endpoint,
		CacheHit:  job.CacheHit,
		Artifacts: job.Artifacts,
	}
	if !job.Started.IsZero() && !job.Ended.IsZero() {
		js.Duration = job.Ended.Sub(job.Started)
	}
	for _, pe := range job.Phases {
		js.Phases = append(js.Phases, &PhaseSummary{
			Phase:    string(pe.Phase),
			Endpoint: pe.Endpoint,
			ExitCode: pe.ExitCode,
			Duration: pe.Duration(),
		})
	}
	if job.Err != nil {
		js.ErrorKind = errorKind(job.Err)
		js.Error = job.Err.Error()
	}
	if job.SkipCause != (catalog.ID{}) {
		js.SkipCause = job.SkipCause.String()
	}
	return js
}

// errorKind classifies a job-scoped error for the run summary.
func errorKind(err error) string {
	var (
		epErr      *endpoint.Error
		imgErr     *executor.ImageNotAllowedError
		tmplErr    *executor.TemplateError
		envErr     *executor.EnvNotAllowedError
		timeoutErr *executor.PhaseTimeoutError
		exitErr    *executor.ExitError
		artErr     *filestore.ArtifactError
	)
	switch {
	case errors.As(err, &epErr):
		return "endpoint"
	case errors.As(err, &imgErr):
		return "image-not-allowed"
	case errors.As(err, &tmplErr):
		return "template"
	case errors.As(err, &envErr):
		return "config"
	case errors.As(err, &timeoutErr):
		return "phase-timeout"
	case errors.As(err, &exitErr):
		return "exit"
	case errors.As(err, &artErr):
		return "artifact"
	default:
		return "internal"
	}
}
