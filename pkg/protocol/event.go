// Package protocol parses the line-oriented stdout protocol spoken by
// worker processes.
//
// Each line a worker emits is either a JSON object with a string "type"
// discriminant or free-form text. Free-form text (and malformed JSON) is
// wrapped in a synthetic log event so no output is ever dropped.
package protocol

import (
	"encoding/json"
)

// Well-known event types. Workers may emit additional types; unknown
// discriminants pass through untouched.
const (
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeLog      = "log"
)

// Event is one parsed worker message.
//
// Data holds the full original JSON object for typed events, or a
// {"line": ...} wrapper for log events.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// logPayload is the Data shape of synthetic log events.
type logPayload struct {
	Line string `json:"line"`
}

// ParseLine converts one worker stdout line into exactly one Event.
//
// A line parses as a typed event iff it is a JSON object whose "type"
// field is a non-empty string. Everything else becomes a log event
// wrapping the line verbatim. ParseLine never fails.
func ParseLine(line []byte) Event {
	var probe struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err == nil && probe.Type != nil && *probe.Type != "" {
		data := make(json.RawMessage, len(line))
		copy(data, line)
		return Event{Type: *probe.Type, Data: data}
	}
	return LogEvent(string(line))
}

// LogEvent builds a synthetic log event wrapping raw text.
func LogEvent(line string) Event {
	data, _ := json.Marshal(logPayload{Line: line})
	return Event{Type: TypeLog, Data: data}
}

// Message extracts the "message" field from the event payload, or the
// wrapped line for log events. Returns "" when absent.
func (e Event) Message() string {
	if e.Type == TypeLog {
		var p logPayload
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return p.Line
		}
		return ""
	}
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &p); err == nil {
		return p.Message
	}
	return ""
}

// IsError reports whether the event is an explicit worker error.
func (e Event) IsError() bool { return e.Type == TypeError }

// IsComplete reports whether the event is an explicit completion marker.
func (e Event) IsComplete() bool { return e.Type == TypeComplete }

// IsTerminal reports whether the event ends the job from the worker's
// point of view.
func (e Event) IsTerminal() bool { return e.IsError() || e.IsComplete() }
