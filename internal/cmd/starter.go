package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/courtyard/studio/internal/server/handlers"
	"github.com/courtyard/studio/pkg/events"
	"github.com/courtyard/studio/pkg/jobs"
)

// serveJobStarter launches workflow jobs in the background for the
// HTTP surface. Jobs run against the serve process's shared registry
// and publish events on the bus, so /api/jobs, stop, and the SSE
// stream observe them live. Validation and job assembly are the same
// builders the CLI commands use.
type serveJobStarter struct {
	// base outlives the originating request; jobs keep running after
	// the client disconnects and stop with the server.
	base   context.Context
	runner *jobRunner
	logger *zap.Logger
}

func (s *serveJobStarter) StartJob(_ context.Context, req handlers.StartJobRequest) (string, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return "", fmt.Errorf("project_id is required")
	}

	var timeout time.Duration
	if strings.TrimSpace(req.Timeout) != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return "", fmt.Errorf("invalid timeout %q: %w", req.Timeout, err)
		}
		timeout = d
	}

	switch jobs.Kind(strings.TrimSpace(req.Kind)) {
	case jobs.KindClean:
		job, err := buildCleanJob(s.runner, projectID, timeout)
		if err != nil {
			return "", err
		}
		s.launch(job, "", "clean", nil)
		return job.ID, nil

	case jobs.KindDataset:
		job, versionDir, err := buildDatasetJob(s.runner, projectID, datasetParams{
			Mode:    orDefault(req.Mode, "qa"),
			Source:  orDefault(req.Source, "raw"),
			Lang:    req.Lang,
			Timeout: timeout,
		})
		if err != nil {
			return "", err
		}
		s.launch(job, versionDir, "dataset generation", nil)
		return job.ID, nil

	case jobs.KindTrain:
		if strings.TrimSpace(req.Model) == "" {
			return "", fmt.Errorf("model is required for train jobs")
		}
		job, versionDir, err := buildTrainJob(s.runner, projectID, trainParams{
			Model:        req.Model,
			Dataset:      req.Dataset,
			BatchSize:    orDefaultInt(req.BatchSize, 4),
			Iters:        orDefaultInt(req.Iters, 600),
			LearningRate: orDefaultFloat(req.LearningRate, 1e-5),
			Timeout:      timeout,
		})
		if err != nil {
			return "", err
		}
		s.launch(job, versionDir, "training", nil)
		return job.ID, nil

	case jobs.KindExport:
		if strings.TrimSpace(req.Model) == "" {
			return "", fmt.Errorf("model is required for export jobs")
		}
		script := exportOllamaScript
		needsDaemon := true
		switch strings.TrimSpace(strings.ToLower(req.Format)) {
		case "", "ollama":
		case "gguf":
			script = exportGGUFScript
			needsDaemon = false
		default:
			return "", fmt.Errorf("invalid format %q (expected ollama or gguf)", req.Format)
		}
		job, versionDir, err := buildExportJob(s.runner, projectID, script, exportParams{
			Adapters: req.Adapters,
			Model:    req.Model,
			Quantize: orDefault(req.Quantize, "q4_k_m"),
			Timeout:  timeout,
		})
		if err != nil {
			return "", err
		}
		var preRun func(context.Context) error
		if needsDaemon {
			preRun = func(ctx context.Context) error {
				return reconcileModelsDir(ctx, s.runner.cfg)
			}
		}
		s.launch(job, versionDir, "export", preRun)
		return job.ID, nil

	case jobs.KindInfer:
		if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Prompt) == "" {
			return "", fmt.Errorf("model and prompt are required for infer jobs")
		}
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		job, err := buildInferJob(s.runner, projectID, inferParams{
			Model:    req.Model,
			Adapters: req.Adapters,
			Prompt:   req.Prompt,
			Timeout:  timeout,
		})
		if err != nil {
			return "", err
		}
		s.launch(job, "", "inference", nil)
		return job.ID, nil

	default:
		return "", fmt.Errorf("unknown job kind %q", req.Kind)
	}
}

// launch runs the job in the background. preRun, when set, gates the
// spawn; since the supervisor never ran on a preRun failure, the failed
// notice is emitted here so the stream still gets its one terminal
// notification.
func (s *serveJobStarter) launch(job jobs.Job, versionDir, what string, preRun func(context.Context) error) {
	go func() {
		ctx := s.base

		if preRun != nil {
			if err := preRun(ctx); err != nil {
				s.logger.Error("job aborted before spawn",
					zap.String("job_id", job.ID),
					zap.Error(err))
				if versionDir != "" {
					s.runner.versions.Discard(versionDir)
				}
				env := events.Notice(events.TypeFailed, job.ID, job.ProjectID, map[string]any{
					"status":    string(jobs.StatusFailed),
					"message":   err.Error(),
					"exit_code": -1,
				})
				_ = s.runner.sink.Emit(ctx, env)
				return
			}
		}

		outcome := s.runner.run(ctx, job)
		if versionDir != "" {
			if err := s.runner.finishVersioned(ctx, job, versionDir, outcome, what); err != nil {
				s.logger.Warn("background job failed",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
			return
		}
		if !outcome.Succeeded() {
			s.logger.Warn("background job failed",
				zap.String("job_id", job.ID),
				zap.String("status", string(outcome.Status)),
				zap.String("message", outcome.Message))
		}
	}()
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func orDefaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultFloat(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
