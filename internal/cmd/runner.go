package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courtyard/studio/internal/config"
	"github.com/courtyard/studio/internal/observability"
	"github.com/courtyard/studio/pkg/events"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/jobstore"
	"github.com/courtyard/studio/pkg/launcher"
	"github.com/courtyard/studio/pkg/pyenv"
	"github.com/courtyard/studio/pkg/version"
)

// jobRunner bundles everything a foreground CLI job needs: the
// supervisor with its registry and record store, the stdout event sink,
// the optional history database, and the version manager.
type jobRunner struct {
	cfg      *config.Config
	registry *jobs.Registry
	store    *jobs.Store
	history  *jobstore.Store
	sink     events.Sink
	sup      *jobs.Supervisor
	versions *version.Manager
}

func newJobRunner(ctx context.Context) (*jobRunner, func(), error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	registry := jobs.NewRegistry()
	store := jobs.NewStore(filepath.Join(cfg.Paths.DataDir, "jobs"))
	sink := events.NewJSONLWriter(os.Stdout)

	var history *jobstore.Store
	if cfg.History.Enabled {
		history, err = jobstore.Open(ctx, jobstore.Config{Path: cfg.History.Path})
		if err != nil {
			observability.CLILogger.Warn("job history disabled", zap.Error(err))
			history = nil
		}
	}

	r := &jobRunner{
		cfg:      cfg,
		registry: registry,
		store:    store,
		history:  history,
		sink:     sink,
		sup: jobs.NewSupervisor(jobs.SupervisorConfig{
			Registry:        registry,
			Sink:            sink,
			Store:           store,
			Logger:          observability.CLILogger,
			StderrTailLines: cfg.Jobs.StderrTailLines,
		}),
		versions: version.NewManager(),
	}

	cleanup := func() {
		if history != nil {
			_ = history.Close()
		}
		_ = sink.Close()
	}
	return r, cleanup, nil
}

// run executes one job, mirroring it into the history database.
func (r *jobRunner) run(ctx context.Context, job jobs.Job) jobs.Outcome {
	if r.history != nil {
		if err := r.history.RecordStart(ctx, job, time.Now().UTC()); err != nil {
			observability.CLILogger.Warn("record job start", zap.Error(err))
		}
	}
	outcome := r.sup.Run(ctx, job)
	if r.history != nil {
		recordCtx := context.WithoutCancel(ctx)
		if err := r.history.RecordOutcome(recordCtx, job, outcome, time.Now().UTC()); err != nil {
			observability.CLILogger.Warn("record job outcome", zap.Error(err))
		}
	}
	return outcome
}

// workerSpec builds the launcher spec for a python worker script.
func (r *jobRunner) workerSpec(scriptName string, args []string, extraEnv map[string]string) (launcher.Spec, error) {
	python, err := pyenv.FindPython()
	if err != nil {
		return launcher.Spec{}, exitError(foundry.ExitFileNotFound, "Python runtime not found", err)
	}
	script, err := pyenv.ScriptPath(r.cfg.Paths.ScriptsDir, scriptName)
	if err != nil {
		return launcher.Spec{}, exitError(foundry.ExitFileNotFound, "Worker script not available", err)
	}

	env := map[string]string{"PYTHONUNBUFFERED": "1"}
	if r.cfg.Ollama.HFEndpoint != "" {
		env["HF_ENDPOINT"] = r.cfg.Ollama.HFEndpoint
	}
	for k, v := range extraEnv {
		env[k] = v
	}

	return launcher.Spec{
		Program: python,
		Args:    append([]string{script}, args...),
		Env:     env,
		Wrapper: sleepInhibitor(),
	}, nil
}

// scriptPath resolves a worker script without building a full spec.
func (r *jobRunner) scriptPath(scriptName string) (string, error) {
	return pyenv.ScriptPath(r.cfg.Paths.ScriptsDir, scriptName)
}

// projectDir returns the root directory for one project's outputs.
func (r *jobRunner) projectDir(projectID string) string {
	return filepath.Join(r.cfg.Paths.ProjectsDir, projectID)
}

// requiresTerminalEvent reports whether workers of this kind speak the
// structured protocol end to end and must emit an explicit complete or
// error event before exiting. A zero exit without one classifies as
// Failed for these kinds. Train and infer shell out to mlx-lm programs
// that do not speak the protocol, so their exit code is authoritative.
func requiresTerminalEvent(kind jobs.Kind) bool {
	switch kind {
	case jobs.KindClean, jobs.KindDataset, jobs.KindExport:
		return true
	default:
		return false
	}
}

// finishVersioned applies a terminal outcome's version side effects:
// discard on any non-success, finalize plus the version_ready notice on
// success.
func (r *jobRunner) finishVersioned(ctx context.Context, job jobs.Job, versionDir string, outcome jobs.Outcome, what string) error {
	if !outcome.Succeeded() {
		r.versions.Discard(versionDir)
		return outcomeError(what, outcome)
	}
	finalDir := r.versions.Finalize(versionDir)
	r.emitVersionReady(ctx, job, finalDir)
	return nil
}

// emitVersionReady announces a finalized output directory. Success has
// exactly one terminal notification, and this is it.
func (r *jobRunner) emitVersionReady(ctx context.Context, job jobs.Job, finalDir string) {
	env := events.Notice(events.TypeVersionReady, job.ID, job.ProjectID, map[string]any{
		"path": finalDir,
		"kind": string(job.Kind),
	})
	if err := r.sink.Emit(ctx, env); err != nil {
		observability.CLILogger.Debug("emit version_ready", zap.Error(err))
	}
}

// sleepInhibitor returns the wrapper keeping the host awake for long
// jobs, when the platform has one.
func sleepInhibitor() []string {
	if runtime.GOOS != "darwin" {
		return nil
	}
	if _, err := os.Stat("/usr/bin/caffeinate"); err != nil {
		return nil
	}
	return []string{"/usr/bin/caffeinate", "-i"}
}

func newJobID() string {
	return uuid.New().String()
}

// signalContext derives a context cancelled by SIGINT/SIGTERM so
// supervised workers get a graceful stop.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// outcomeError converts a terminal outcome into the CLI error contract.
func outcomeError(what string, outcome jobs.Outcome) error {
	switch outcome.Status {
	case jobs.StatusSucceeded:
		return nil
	case jobs.StatusCancelled:
		return exitError(foundry.ExitSignalInt, what+" stopped", errors.New(outcome.Message))
	case jobs.StatusTimedOut:
		return exitError(foundry.ExitExternalServiceUnavailable, what+" timed out", errors.New(outcome.Message))
	default:
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("%s failed (exit %d)", what, outcome.ExitCode), errors.New(outcome.Message))
	}
}
