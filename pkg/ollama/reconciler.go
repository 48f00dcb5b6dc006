package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Source identifies where the effective models directory came from,
// in strict priority order.
type Source string

const (
	// SourceDaemonEnv: the live daemon's own environment. Ground truth.
	SourceDaemonEnv Source = "daemon_env"

	// SourceDaemonDefault: daemon running without the override, so it
	// honors its documented default.
	SourceDaemonDefault Source = "daemon_default"

	// SourceShellEnv: the user's login shell environment.
	SourceShellEnv Source = "shell_env"

	// SourceConfig: saved application configuration (intent, not
	// necessarily what a running daemon honors).
	SourceConfig Source = "config"

	// SourceDefault: the hard-coded default location.
	SourceDefault Source = "default"
)

// Resolution is the effective daemon configuration.
type Resolution struct {
	ModelsDir string `json:"models_dir"`
	Source    Source `json:"source"`
	Running   bool   `json:"running"`
}

// ReconcilerConfig tunes polling budgets.
type ReconcilerConfig struct {
	Probe  Probe
	Logger *zap.Logger

	// DefaultDir overrides the documented default (tests).
	DefaultDir string

	// StopWait bounds polling for process disappearance after quit.
	StopWait time.Duration

	// StartWait bounds polling for reappearance after relaunch.
	StartWait time.Duration

	// PollInterval is the fixed poll increment.
	PollInterval time.Duration
}

// Reconciler resolves and pushes the daemon's models directory.
type Reconciler struct {
	probe        Probe
	logger       *zap.Logger
	defaultDir   string
	stopWait     time.Duration
	startWait    time.Duration
	pollInterval time.Duration
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultDir := cfg.DefaultDir
	if defaultDir == "" {
		defaultDir = DefaultModelsDir()
	}
	stopWait := cfg.StopWait
	if stopWait <= 0 {
		stopWait = 15 * time.Second
	}
	startWait := cfg.StartWait
	if startWait <= 0 {
		startWait = 20 * time.Second
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Reconciler{
		probe:        cfg.Probe,
		logger:       logger,
		defaultDir:   defaultDir,
		stopWait:     stopWait,
		startWait:    startWait,
		pollInterval: interval,
	}
}

// Resolve probes candidate sources in strict priority order and
// returns the first answer. Runtime ground truth (the live daemon's
// environment) outranks mere intent (saved configuration).
func (r *Reconciler) Resolve(ctx context.Context) Resolution {
	pids, err := r.probe.ServerPIDs()
	if err != nil {
		r.logger.Debug("server pid probe failed", zap.Error(err))
	}

	for _, pid := range pids {
		env, err := r.probe.ProcessEnv(pid)
		if err != nil {
			continue
		}
		if dir := strings.TrimSpace(env[EnvModelsDir]); dir != "" {
			return Resolution{ModelsDir: dir, Source: SourceDaemonEnv, Running: true}
		}
	}

	if len(pids) > 0 {
		return Resolution{ModelsDir: r.defaultDir, Source: SourceDaemonDefault, Running: true}
	}

	if dir, ok := r.probe.ShellEnv(EnvModelsDir); ok && strings.TrimSpace(dir) != "" {
		return Resolution{ModelsDir: strings.TrimSpace(dir), Source: SourceShellEnv}
	}

	if dir, ok := r.probe.ConfigModelsDir(); ok && strings.TrimSpace(dir) != "" {
		return Resolution{ModelsDir: strings.TrimSpace(dir), Source: SourceConfig}
	}

	return Resolution{ModelsDir: r.defaultDir, Source: SourceDefault}
}

// ApplyAndRestart pushes a new models directory (empty dir removes the
// override) and restarts the daemon so it takes effect.
//
// Returns once relaunch is accepted. That is process presence, not
// functional readiness: the daemon exposes no readiness signal, so
// callers needing confirmation must re-probe after a grace period.
func (r *Reconciler) ApplyAndRestart(ctx context.Context, dir string) error {
	dir = strings.TrimSpace(dir)

	if dir == "" {
		if err := r.probe.UnsetLaunchEnv(EnvModelsDir); err != nil {
			return fmt.Errorf("clear launch environment: %w", err)
		}
	} else {
		if err := r.probe.SetLaunchEnv(EnvModelsDir, dir); err != nil {
			return fmt.Errorf("write launch environment: %w", err)
		}
	}
	r.logger.Info("models dir override staged",
		zap.String("models_dir", dir))

	// Quit is best effort; the pattern kill below catches stragglers.
	if err := r.probe.QuitApp(); err != nil {
		r.logger.Debug("graceful quit failed", zap.Error(err))
	}
	if err := r.probe.KillServers(); err != nil {
		return fmt.Errorf("terminate server processes: %w", err)
	}

	if err := r.pollUntil(ctx, r.stopWait, func() bool { return !r.daemonPresent() }); err != nil {
		return fmt.Errorf("daemon did not stop within %s: %w", r.stopWait, err)
	}

	if err := r.probe.LaunchApp(); err != nil {
		return fmt.Errorf("relaunch daemon: %w", err)
	}

	if err := r.pollUntil(ctx, r.startWait, r.daemonPresent); err != nil {
		return fmt.Errorf("daemon did not come back within %s: %w", r.startWait, err)
	}

	r.logger.Info("daemon restarted",
		zap.String("models_dir", dir))
	return nil
}

func (r *Reconciler) daemonPresent() bool {
	if pids, _ := r.probe.ServerPIDs(); len(pids) > 0 {
		return true
	}
	return r.probe.AppRunning()
}

// pollUntil checks cond at fixed increments within a bounded budget.
func (r *Reconciler) pollUntil(ctx context.Context, budget time.Duration, cond func() bool) error {
	deadline := time.Now().Add(budget)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}
