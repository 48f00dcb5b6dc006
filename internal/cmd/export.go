package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtyard/studio/internal/config"
	"github.com/courtyard/studio/internal/observability"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/ollama"
	"github.com/courtyard/studio/pkg/version"
)

const (
	exportOllamaScript = "export_ollama.py"
	exportGGUFScript   = "export_gguf.py"

	// mlxRuntimeHint closes the generic failure message for export
	// workers, whose most common failure is the missing runtime.
	mlxRuntimeHint = "Check that mlx-lm is installed."

	// reconcileGrace is how long to wait after a daemon relaunch before
	// re-probing, since process presence is not functional readiness.
	reconcileGrace = 2 * time.Second
)

var (
	exportAdapters string
	exportModel    string
	exportQuantize string
	exportTimeout  time.Duration
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export trained adapters to a servable model",
}

var exportOllamaCmd = &cobra.Command{
	Use:   "ollama <project_id>",
	Short: "Fuse, quantize, and register the model with Ollama",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportOllama,
}

var exportGGUFCmd = &cobra.Command{
	Use:   "gguf <project_id>",
	Short: "Fuse and quantize the model to a GGUF file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportGGUF,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportOllamaCmd)
	exportCmd.AddCommand(exportGGUFCmd)

	for _, c := range []*cobra.Command{exportOllamaCmd, exportGGUFCmd} {
		c.Flags().StringVar(&exportAdapters, "adapters", "", "Adapters version name (default: newest)")
		c.Flags().StringVar(&exportModel, "model", "", "Base model identifier (required)")
		c.Flags().StringVar(&exportQuantize, "quantize", "q4_k_m", "Quantization preset")
		c.Flags().DurationVar(&exportTimeout, "timeout", 0, "Abort the job after this duration (default: jobs.export_timeout)")
		_ = c.MarkFlagRequired("model")
	}
}

func runExportOllama(cmd *cobra.Command, args []string) error {
	return runExport(cmd, args, exportOllamaScript, true)
}

func runExportGGUF(cmd *cobra.Command, args []string) error {
	return runExport(cmd, args, exportGGUFScript, false)
}

func runExport(cmd *cobra.Command, args []string, script string, needsDaemon bool) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	projectID := strings.TrimSpace(args[0])
	if projectID == "" {
		return exitError(foundry.ExitInvalidArgument, "project_id is required", fmt.Errorf("empty project id"))
	}

	runner, cleanup, err := newJobRunner(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if needsDaemon {
		if err := reconcileModelsDir(ctx, runner.cfg); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Ollama daemon reconciliation failed", err)
		}
	}

	job, versionDir, err := buildExportJob(runner, projectID, script, exportParams{
		Adapters: exportAdapters,
		Model:    exportModel,
		Quantize: exportQuantize,
		Timeout:  exportTimeout,
	})
	if err != nil {
		return err
	}

	outcome := runner.run(ctx, job)
	return runner.finishVersioned(ctx, job, versionDir, outcome, "export")
}

type exportParams struct {
	Adapters string
	Model    string
	Quantize string
	Timeout  time.Duration
}

// buildExportJob resolves the adapters version, opens a tentative
// export version, and assembles the export job. The version directory
// is already discarded when the returned error is non-nil.
func buildExportJob(r *jobRunner, projectID, script string, p exportParams) (jobs.Job, string, error) {
	adaptersDir, err := resolveAdaptersDir(r, projectID, p.Adapters)
	if err != nil {
		return jobs.Job{}, "", exitError(foundry.ExitFileNotFound, "Adapters version not found", err)
	}

	versionDir, err := r.versions.Begin(
		filepath.Join(r.projectDir(projectID), "export"),
		version.Meta{Model: p.Model, Source: adaptersDir, Mode: p.Quantize},
	)
	if err != nil {
		return jobs.Job{}, "", exitError(foundry.ExitFileWriteError, "Failed to create export version directory", err)
	}

	spec, err := r.workerSpec(script, []string{
		"--model", p.Model,
		"--adapters", adaptersDir,
		"--output", versionDir,
		"--quantize", p.Quantize,
	}, nil)
	if err != nil {
		r.versions.Discard(versionDir)
		return jobs.Job{}, "", err
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = r.cfg.Jobs.ExportTimeout
	}

	return jobs.Job{
		ID:              newJobID(),
		Kind:            jobs.KindExport,
		ProjectID:       projectID,
		Spec:            spec,
		Timeout:         timeout,
		RequireTerminal: requiresTerminalEvent(jobs.KindExport),
		RuntimeHint:     mlxRuntimeHint,
	}, versionDir, nil
}

// resolveAdaptersDir picks an adapters version by name, defaulting to
// the newest one.
func resolveAdaptersDir(runner *jobRunner, projectID, name string) (string, error) {
	kindDir := filepath.Join(runner.projectDir(projectID), "adapters")
	versions, err := version.List(kindDir, "*.safetensors")
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no adapters versions under %s", kindDir)
	}
	if name == "" {
		return versions[0].Path, nil
	}
	for _, v := range versions {
		if v.Name == name {
			return v.Path, nil
		}
	}
	return "", fmt.Errorf("adapters version %q not found under %s", name, kindDir)
}

// newReconciler builds the daemon reconciler from configuration.
func newReconciler(cfg *config.Config) *ollama.Reconciler {
	return ollama.NewReconciler(ollama.ReconcilerConfig{
		Probe:      &ollama.OSProbe{ConfigDir: cfg.Ollama.ModelsDir},
		Logger:     observability.CLILogger,
		DefaultDir: cfg.Ollama.DefaultModelsDir,
		StopWait:   cfg.Ollama.RestartWait,
		StartWait:  cfg.Ollama.LaunchWait,
	})
}

// reconcileModelsDir pushes the configured models directory to the
// daemon when the live daemon disagrees with it, then re-probes after a
// grace period because relaunch only guarantees process presence.
func reconcileModelsDir(ctx context.Context, cfg *config.Config) error {
	want := strings.TrimSpace(cfg.Ollama.ModelsDir)
	if want == "" {
		return nil
	}

	r := newReconciler(cfg)
	res := r.Resolve(ctx)
	if res.Running && res.ModelsDir == want {
		return nil
	}

	observability.CLILogger.Info("reconciling ollama models directory",
		zap.String("current", res.ModelsDir),
		zap.String("current_source", string(res.Source)),
		zap.String("want", want))

	if err := r.ApplyAndRestart(ctx, want); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(reconcileGrace):
	}

	res = r.Resolve(ctx)
	if res.ModelsDir != want {
		return fmt.Errorf("daemon came back with models dir %s (source %s), wanted %s",
			res.ModelsDir, res.Source, want)
	}
	return nil
}
