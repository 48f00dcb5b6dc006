package jobs

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/courtyard/studio/pkg/events"
	"github.com/courtyard/studio/pkg/protocol"
)

// maxStderrLines bounds the diagnostic buffer; only a short tail is
// ever shown, so older lines roll off.
const maxStderrLines = 200

// drainResult collects what the two stream loops observed.
//
// The stdout loop alone writes errEvent/sawComplete and the stderr
// loop alone writes stderrLines, so no lock is needed once both loops
// have joined.
type drainResult struct {
	errEvent    *protocol.Event
	sawComplete bool
	stderrLines []string
}

// stderrTail returns up to n trimmed non-blank stderr lines from the
// end of the buffer, joined with newlines.
func (d *drainResult) stderrTail(n int) string {
	if n <= 0 || len(d.stderrLines) == 0 {
		return ""
	}
	lines := d.stderrLines
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// drainStreams consumes stdout and stderr concurrently until both hit
// EOF, then joins. Stdout lines run through the protocol codec and are
// forwarded to the sink in exact read order; stderr lines are only
// buffered for diagnostics. The two loops are independent so a stalled
// pipe on one side never blocks the other.
func drainStreams(ctx context.Context, job Job, stdout, stderr io.Reader, sink events.Sink, logger *zap.Logger) *drainResult {
	res := &drainResult{}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		dec := protocol.NewDecoder(stdout)
		for {
			ev, err := dec.Next()
			if err != nil {
				if err != io.EOF {
					logger.Debug("stdout drain ended",
						zap.String("job_id", job.ID),
						zap.Error(err))
				}
				return
			}
			if ev.IsError() && res.errEvent == nil {
				captured := ev
				res.errEvent = &captured
			}
			if ev.IsComplete() {
				res.sawComplete = true
			}
			if sink != nil {
				if err := sink.Emit(ctx, events.FromWorker(job.ID, job.ProjectID, ev)); err != nil {
					logger.Debug("event sink rejected envelope",
						zap.String("job_id", job.ID),
						zap.Error(err))
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), protocol.DefaultMaxLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			res.stderrLines = append(res.stderrLines, line)
			if len(res.stderrLines) > maxStderrLines {
				res.stderrLines = res.stderrLines[1:]
			}
		}
	}()

	wg.Wait()
	return res
}
