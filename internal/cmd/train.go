package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/courtyard/studio/internal/observability"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/version"
)

const trainScript = "train.py"

var (
	trainModel        string
	trainDataset      string
	trainBatchSize    int
	trainIters        int
	trainLearningRate float64
	trainTimeout      time.Duration
)

var trainCmd = &cobra.Command{
	Use:   "train <project_id>",
	Short: "Run LoRA training against a dataset version",
	Long: `Run the training worker against a project's dataset version,
producing a new adapters version. The batch size is clamped to the
training sample count so small datasets do not abort the worker.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	trainCmd.Flags().StringVar(&trainModel, "model", "", "Base model identifier (required)")
	trainCmd.Flags().StringVar(&trainDataset, "dataset", "", "Dataset version name (default: newest)")
	trainCmd.Flags().IntVar(&trainBatchSize, "batch-size", 4, "Training batch size")
	trainCmd.Flags().IntVar(&trainIters, "iters", 600, "Training iterations")
	trainCmd.Flags().Float64Var(&trainLearningRate, "learning-rate", 1e-5, "Learning rate")
	trainCmd.Flags().DurationVar(&trainTimeout, "timeout", 0, "Abort the job after this duration (0 = unbounded)")
	_ = trainCmd.MarkFlagRequired("model")
}

// loraConfig is the worker's training configuration file.
type loraConfig struct {
	Model        string  `yaml:"model"`
	Data         string  `yaml:"data"`
	AdapterPath  string  `yaml:"adapter_path"`
	BatchSize    int     `yaml:"batch_size"`
	Iters        int     `yaml:"iters"`
	LearningRate float64 `yaml:"learning_rate"`
}

type trainingMeta struct {
	Model        string    `json:"model"`
	Dataset      string    `json:"dataset"`
	Samples      int       `json:"samples"`
	BatchSize    int       `json:"batch_size"`
	Iters        int       `json:"iters"`
	LearningRate float64   `json:"learning_rate"`
	StartedAt    time.Time `json:"started_at"`
}

func runTrain(cmd *cobra.Command, args []string) error {
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

	job, versionDir, err := buildTrainJob(runner, projectID, trainParams{
		Model:        trainModel,
		Dataset:      trainDataset,
		BatchSize:    trainBatchSize,
		Iters:        trainIters,
		LearningRate: trainLearningRate,
		Timeout:      trainTimeout,
	})
	if err != nil {
		return err
	}

	outcome := runner.run(ctx, job)
	return runner.finishVersioned(ctx, job, versionDir, outcome, "training")
}

type trainParams struct {
	Model        string
	Dataset      string
	BatchSize    int
	Iters        int
	LearningRate float64
	Timeout      time.Duration
}

// buildTrainJob resolves the dataset, clamps the batch size, opens a
// tentative adapters version with its lora_config.yaml, and assembles
// the training job. The version directory is already discarded when the
// returned error is non-nil.
func buildTrainJob(r *jobRunner, projectID string, p trainParams) (jobs.Job, string, error) {
	datasetDir, err := resolveDatasetDir(r, projectID, p.Dataset)
	if err != nil {
		return jobs.Job{}, "", exitError(foundry.ExitFileNotFound, "Dataset version not found", err)
	}

	samples, err := version.CountSamples(filepath.Join(datasetDir, "train.jsonl"))
	if err != nil {
		return jobs.Job{}, "", exitError(foundry.ExitFileNotFound, "Cannot read training samples", err)
	}
	batchSize := p.BatchSize
	if batchSize > samples {
		observability.CLILogger.Warn("clamping batch size to sample count",
			zap.Int("batch_size", batchSize),
			zap.Int("samples", samples))
		batchSize = samples
	}
	if batchSize < 1 {
		return jobs.Job{}, "", exitError(foundry.ExitInvalidArgument, "Dataset has no training samples",
			fmt.Errorf("%s holds zero samples", datasetDir))
	}

	versionDir, err := r.versions.Begin(
		filepath.Join(r.projectDir(projectID), "adapters"),
		version.Meta{Model: p.Model, Source: datasetDir},
	)
	if err != nil {
		return jobs.Job{}, "", exitError(foundry.ExitFileWriteError, "Failed to create adapters version directory", err)
	}

	configPath := filepath.Join(versionDir, "lora_config.yaml")
	if err := writeLoraConfig(configPath, loraConfig{
		Model:        p.Model,
		Data:         datasetDir,
		AdapterPath:  versionDir,
		BatchSize:    batchSize,
		Iters:        p.Iters,
		LearningRate: p.LearningRate,
	}); err != nil {
		r.versions.Discard(versionDir)
		return jobs.Job{}, "", exitError(foundry.ExitFileWriteError, "Failed to write training config", err)
	}

	meta := trainingMeta{
		Model:        p.Model,
		Dataset:      datasetDir,
		Samples:      samples,
		BatchSize:    batchSize,
		Iters:        p.Iters,
		LearningRate: p.LearningRate,
		StartedAt:    time.Now().UTC(),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(versionDir, "training_meta.json"), append(b, '\n'), 0644)
	}

	spec, err := r.workerSpec(trainScript, []string{"--config", configPath}, nil)
	if err != nil {
		r.versions.Discard(versionDir)
		return jobs.Job{}, "", err
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = r.cfg.Jobs.DefaultTimeout
	}

	return jobs.Job{
		ID:        newJobID(),
		Kind:      jobs.KindTrain,
		ProjectID: projectID,
		Spec:      spec,
		Timeout:   timeout,
	}, versionDir, nil
}

// resolveDatasetDir picks a dataset version by name, defaulting to the
// newest one.
func resolveDatasetDir(runner *jobRunner, projectID, name string) (string, error) {
	kindDir := filepath.Join(runner.projectDir(projectID), "data")
	versions, err := version.List(kindDir, "train.jsonl")
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no dataset versions under %s", kindDir)
	}
	if name == "" {
		return versions[0].Path, nil
	}
	for _, v := range versions {
		if v.Name == name {
			return v.Path, nil
		}
	}
	return "", fmt.Errorf("dataset version %q not found under %s", name, kindDir)
}

func writeLoraConfig(path string, cfg loraConfig) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
