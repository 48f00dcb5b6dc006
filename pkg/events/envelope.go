// Package events carries job events from supervisors to consumers.
//
// Events are wrapped in typed envelope records. The CLI writes them as
// JSONL; serve mode fans them out to SSE subscribers through the Bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/courtyard/studio/pkg/protocol"
)

// Envelope type constants follow the pattern studio.<type>.v<version>.
// Worker-originated events use their protocol discriminant as <type>.
const (
	// TypeVersionReady announces a finalized output version directory.
	TypeVersionReady = "studio.version_ready.v1"

	// TypeStopped is the benign terminal notice for cancelled jobs.
	TypeStopped = "studio.stopped.v1"

	// TypeFailed is the terminal notice for failed and timed out jobs.
	TypeFailed = "studio.failed.v1"
)

// Envelope is the record wrapping every emitted event.
//
// JobID and ProjectID are the correlation keys; concurrent jobs share
// one sink, so consumers must route on them rather than on arrival order.
type Envelope struct {
	// Type identifies the record (e.g. "studio.progress.v1").
	Type string `json:"type"`

	// TS is when the envelope was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID correlates the envelope with one supervised job.
	JobID string `json:"job_id"`

	// ProjectID identifies the project the job ran against.
	ProjectID string `json:"project_id,omitempty"`

	// Data is the type-specific payload.
	Data json.RawMessage `json:"data"`
}

// FromWorker wraps a parsed worker event in an envelope.
func FromWorker(jobID, projectID string, ev protocol.Event) *Envelope {
	return &Envelope{
		Type:      "studio." + ev.Type + ".v1",
		TS:        time.Now().UTC(),
		JobID:     jobID,
		ProjectID: projectID,
		Data:      ev.Data,
	}
}

// Notice builds a studio-level envelope with a marshaled payload.
func Notice(typ, jobID, projectID string, payload any) *Envelope {
	data, _ := json.Marshal(payload)
	return &Envelope{
		Type:      typ,
		TS:        time.Now().UTC(),
		JobID:     jobID,
		ProjectID: projectID,
		Data:      data,
	}
}

// IsWorkerLog reports whether the envelope wraps a raw worker log line.
func (e *Envelope) IsWorkerLog() bool {
	return e.Type == "studio."+protocol.TypeLog+".v1"
}

// Sink receives envelopes. Implementations must be safe for concurrent
// use; supervisors for distinct jobs share one sink.
type Sink interface {
	Emit(ctx context.Context, env *Envelope) error
}

// ErrSinkClosed is returned when emitting to a closed sink.
var ErrSinkClosed = errors.New("event sink is closed")

// Tee fans every envelope out to all sinks, returning the first error.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

type teeSink []Sink

func (t teeSink) Emit(ctx context.Context, env *Envelope) error {
	var firstErr error
	for _, s := range t {
		if err := s.Emit(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
