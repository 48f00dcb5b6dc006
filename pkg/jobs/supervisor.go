package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/courtyard/studio/pkg/events"
	"github.com/courtyard/studio/pkg/launcher"
)

// cancelGrace is how long a context-cancelled worker gets to exit
// after SIGTERM before being force-killed.
const cancelGrace = 30 * time.Second

// SupervisorConfig wires a Supervisor's collaborators.
type SupervisorConfig struct {
	Registry *Registry
	Sink     events.Sink

	// Store, when set, receives persistent job records.
	Store *Store

	Logger *zap.Logger

	// StderrTailLines overrides DefaultStderrTailLines.
	StderrTailLines int
}

// Supervisor owns one job's lifecycle per Run call: launch, drain,
// wait, timeout, cancel, classify. Each Run is independent; distinct
// jobs may run under the same Supervisor concurrently.
type Supervisor struct {
	registry  *Registry
	sink      events.Sink
	store     *Store
	logger    *zap.Logger
	tailLines int
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tail := cfg.StderrTailLines
	if tail <= 0 {
		tail = DefaultStderrTailLines
	}
	return &Supervisor{
		registry:  cfg.Registry,
		sink:      cfg.Sink,
		store:     cfg.Store,
		logger:    logger,
		tailLines: tail,
	}
}

type waitOutcome struct {
	res     *drainResult
	waitErr error
}

// jobLogs holds the raw stream captures living next to the job record.
type jobLogs struct {
	stdout *os.File
	stderr *os.File
}

func (l *jobLogs) close() {
	if l.stdout != nil {
		_ = l.stdout.Close()
	}
	if l.stderr != nil {
		_ = l.stderr.Close()
	}
}

// openLogs creates stdout.log and stderr.log in the job's record
// directory. Capture is best effort; a failed open leaves that stream
// untouched.
func (s *Supervisor) openLogs(jobID string) *jobLogs {
	l := &jobLogs{}
	if s.store == nil {
		return l
	}
	dir := s.store.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("create job dir", zap.String("job_id", jobID), zap.Error(err))
		return l
	}
	var err error
	if l.stdout, err = os.Create(filepath.Join(dir, "stdout.log")); err != nil {
		s.logger.Warn("open stdout log", zap.String("job_id", jobID), zap.Error(err))
	}
	if l.stderr, err = os.Create(filepath.Join(dir, "stderr.log")); err != nil {
		s.logger.Warn("open stderr log", zap.String("job_id", jobID), zap.Error(err))
	}
	return l
}

func teeLog(r io.Reader, f *os.File) io.Reader {
	if f == nil {
		return r
	}
	return io.TeeReader(r, f)
}

// Run executes the job to a terminal outcome. It blocks until the
// worker exits, the timeout fires, or ctx is cancelled. Exactly one
// terminal notification reaches the sink per job.
func (s *Supervisor) Run(ctx context.Context, job Job) Outcome {
	s.logger.Info("starting job",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("project_id", job.ProjectID),
		zap.String("program", job.Spec.Program),
		zap.Duration("timeout", job.Timeout))

	// Launch with a detached context: cancellation is handled below via
	// signals so the process group is reached, not just the child.
	handle, err := launcher.Start(context.WithoutCancel(ctx), job.Spec)
	if err != nil {
		outcome := Outcome{
			Status:   StatusFailed,
			Message:  fmt.Sprintf("failed to start worker: %v", err),
			ExitCode: -1,
		}
		s.finish(ctx, job, outcome, 0)
		return outcome
	}

	pid := handle.PID()
	if s.registry != nil {
		if err := s.registry.Register(job.ID, pid); err != nil {
			s.logger.Warn("job registration failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
		defer s.registry.Unregister(job.ID)
	}
	s.recordRunning(job, pid)

	logs := s.openLogs(job.ID)
	done := make(chan waitOutcome, 1)
	go func() {
		res := drainStreams(ctx, job,
			teeLog(handle.Stdout(), logs.stdout),
			teeLog(handle.Stderr(), logs.stderr),
			s.sink, s.logger)
		logs.close()
		done <- waitOutcome{res: res, waitErr: handle.Wait()}
	}()

	var deadline <-chan time.Time
	if job.Timeout > 0 {
		timer := time.NewTimer(job.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var outcome Outcome
	select {
	case w := <-done:
		outcome = classify(job, w.waitErr, w.res, s.tailLines)

	case <-deadline:
		// Hard deadline: kill the group and discard unfinished drains.
		_ = handle.Kill()
		outcome = Outcome{
			Status:   StatusTimedOut,
			Message:  fmt.Sprintf("timed out after %s", job.Timeout),
			ExitCode: -1,
		}

	case <-ctx.Done():
		_ = handle.Signal(syscall.SIGTERM)
		select {
		case w := <-done:
			outcome = classify(job, w.waitErr, w.res, s.tailLines)
		case <-time.After(cancelGrace):
			_ = handle.Kill()
			w := <-done
			outcome = classify(job, w.waitErr, w.res, s.tailLines)
		}
	}

	s.finish(ctx, job, outcome, pid)
	return outcome
}

// Stop cancels a running job by id via the registry.
func (s *Supervisor) Stop(jobID string) error {
	if s.registry == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return s.registry.Stop(jobID)
}

// finish emits the single terminal notification and persists the
// terminal record. Succeeded jobs emit no notice here; the caller owns
// the success side effects (version finalize + version_ready).
func (s *Supervisor) finish(ctx context.Context, job Job, outcome Outcome, pid int) {
	s.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(outcome.Status)),
		zap.Int("exit_code", outcome.ExitCode),
		zap.String("message", outcome.Message))

	if s.sink != nil {
		switch outcome.Status {
		case StatusCancelled:
			env := events.Notice(events.TypeStopped, job.ID, job.ProjectID, map[string]any{
				"message": outcome.Message,
			})
			if err := s.sink.Emit(ctx, env); err != nil {
				s.logger.Debug("emit stopped notice", zap.Error(err))
			}
		case StatusFailed, StatusTimedOut:
			env := events.Notice(events.TypeFailed, job.ID, job.ProjectID, map[string]any{
				"status":    string(outcome.Status),
				"message":   outcome.Message,
				"exit_code": outcome.ExitCode,
			})
			if err := s.sink.Emit(ctx, env); err != nil {
				s.logger.Debug("emit failed notice", zap.Error(err))
			}
		}
	}

	s.recordTerminal(job, outcome, pid)
}

func (s *Supervisor) recordRunning(job Job, pid int) {
	if s.store == nil {
		return
	}
	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:     job.ID,
		Kind:      job.Kind,
		ProjectID: job.ProjectID,
		State:     StateRunning,
		PID:       pid,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := s.store.Write(rec); err != nil {
		s.logger.Warn("write job record", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Supervisor) recordTerminal(job Job, outcome Outcome, pid int) {
	if s.store == nil {
		return
	}
	rec, err := s.store.Get(job.ID)
	if err != nil {
		now := time.Now().UTC()
		rec = &JobRecord{
			JobID:     job.ID,
			Kind:      job.Kind,
			ProjectID: job.ProjectID,
			PID:       pid,
			CreatedAt: now,
		}
	}
	now := time.Now().UTC()
	rec.State = RecordState(outcome.Status)
	rec.Message = outcome.Message
	rec.ExitCode = outcome.ExitCode
	rec.EndedAt = &now
	if err := s.store.Write(rec); err != nil {
		s.logger.Warn("write terminal job record", zap.String("job_id", job.ID), zap.Error(err))
	}
}
