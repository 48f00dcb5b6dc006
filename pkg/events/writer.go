package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// JSONLWriter writes envelopes as newline-delimited JSON.
//
// Safe for concurrent use; a mutex serializes writes so lines from
// concurrently running jobs never interleave mid-record.
type JSONLWriter struct {
	w      io.Writer
	mu     sync.Mutex
	closed bool
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w}
}

// Emit writes one envelope as a single JSON line.
func (jw *JSONLWriter) Emit(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrSinkClosed
	}
	return writeAll(jw.w, b)
}

// Close marks the writer closed. The underlying writer is not closed;
// the caller owns it.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

// writeAll handles short writes: io.Writer may return n < len(p) with a
// nil error, which would silently truncate JSONL lines.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Sink = (*JSONLWriter)(nil)
