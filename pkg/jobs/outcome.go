package jobs

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// DefaultStderrTailLines is how many buffered stderr lines feed the
// failure diagnostic when the worker gave no explicit error payload.
const DefaultStderrTailLines = 12

const genericFailure = "Process exited unexpectedly."

// classify computes the terminal outcome from the wait result and what
// the drain observed. Called exactly once per job.
//
// Rules:
//   - an explicit error event outranks the exit code;
//   - zero exit is Succeeded unless a terminal event was required and
//     none arrived;
//   - exit by signal without an error event is Cancelled (benign);
//   - a wait failure that carries no exit status is Failed, not
//     Cancelled: an error waiting on the process is not evidence the
//     process was stopped deliberately.
func classify(job Job, waitErr error, res *drainResult, tailLines int) Outcome {
	if tailLines <= 0 {
		tailLines = DefaultStderrTailLines
	}

	if res.errEvent != nil {
		msg := res.errEvent.Message()
		if msg == "" {
			msg = failureMessage(job, res, tailLines)
		}
		return Outcome{Status: StatusFailed, Message: msg, ExitCode: exitCode(waitErr)}
	}

	if waitErr == nil {
		if job.RequireTerminal && !res.sawComplete {
			return Outcome{Status: StatusFailed, Message: failureMessage(job, res, tailLines), ExitCode: 0}
		}
		return Outcome{Status: StatusSucceeded, ExitCode: 0}
	}

	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Outcome{Status: StatusCancelled, Message: "stopped", ExitCode: -1}
		}
		code := ee.ExitCode()
		msg := failureMessage(job, res, tailLines)
		if res.stderrTail(tailLines) == "" {
			msg = fmt.Sprintf("worker exited with code %d", code)
			if job.RuntimeHint != "" {
				msg += " " + job.RuntimeHint
			}
		}
		return Outcome{Status: StatusFailed, Message: msg, ExitCode: code}
	}

	return Outcome{
		Status:   StatusFailed,
		Message:  fmt.Sprintf("wait for worker: %v", waitErr),
		ExitCode: -1,
	}
}

// failureMessage picks the diagnostic when no error payload exists:
// stderr tail if any, else the generic text plus the runtime hint.
func failureMessage(job Job, res *drainResult, tailLines int) string {
	if tail := res.stderrTail(tailLines); tail != "" {
		return tail
	}
	msg := genericFailure
	if job.RuntimeHint != "" {
		msg += " " + job.RuntimeHint
	}
	return msg
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}
