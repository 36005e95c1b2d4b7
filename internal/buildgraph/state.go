// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package buildgraph

// State is the lifecycle state of a [Job] within a run.
type State int

// Job states.
const (
	// Pending jobs have not started and have at least one unfinished dependency
	// or are waiting for an endpoint slot.
	Pending State = iota
	// Running jobs are executing phases on an endpoint.
	Running
	// Succeeded jobs finished every phase with a zero exit status.
	Succeeded
	// Failed jobs had a phase fail, time out, or hit a job-scoped error.
	Failed
	// Skipped jobs were never executed because a transitive dependency failed.
	Skipped
	// Aborted jobs were non-terminal when the run was cancelled.
	Aborted
)

// String returns the state name as used in summaries and the build log.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a job in this state will never run again
// during the current run.
func (s State) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Skipped, Aborted:
		return true
	default:
		return false
	}
}
