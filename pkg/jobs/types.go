// Package jobs supervises worker processes: registration for
// out-of-band cancellation, concurrent stream draining, timeout
// enforcement, and terminal outcome classification.
package jobs

import (
	"time"

	"github.com/courtyard/studio/pkg/launcher"
)

// Kind names the worker program family a job belongs to.
type Kind string

const (
	KindClean   Kind = "clean"
	KindDataset Kind = "dataset"
	KindTrain   Kind = "train"
	KindExport  Kind = "export"
	KindInfer   Kind = "infer"
)

// Job describes one supervised worker invocation.
type Job struct {
	// ID is the correlation key carried on every event.
	ID string

	Kind      Kind
	ProjectID string

	// Spec is handed to the launcher unchanged.
	Spec launcher.Spec

	// Timeout bounds the whole run. Zero means unbounded.
	Timeout time.Duration

	// RequireTerminal makes a zero exit without an explicit complete
	// or error event classify as Failed instead of Succeeded.
	RequireTerminal bool

	// RuntimeHint is appended to the generic failure message, pointing
	// at the most likely missing runtime dependency.
	RuntimeHint string
}

// Status is the terminal classification of a job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Outcome is computed exactly once per job.
type Outcome struct {
	Status Status

	// Message is the human-readable diagnostic, chosen by priority:
	// explicit worker error payload, stderr tail, generic fallback.
	Message string

	// ExitCode is the worker exit code, or -1 when unavailable
	// (spawn failure, signal termination, wait failure).
	ExitCode int
}

// Succeeded reports whether the job finished cleanly.
func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// IsError reports whether the outcome should surface as an error.
// Cancellation is benign and reported as "stopped".
func (o Outcome) IsError() bool {
	return o.Status == StatusFailed || o.Status == StatusTimedOut
}
