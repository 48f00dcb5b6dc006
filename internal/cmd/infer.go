package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/courtyard/studio/pkg/jobs"
)

const inferScript = "infer.py"

var (
	inferModel    string
	inferAdapters string
	inferPrompt   string
	inferTimeout  time.Duration
)

var inferCmd = &cobra.Command{
	Use:   "infer <project_id>",
	Short: "Run a one-off prompt against a trained model",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfer,
}

func init() {
	rootCmd.AddCommand(inferCmd)
	inferCmd.Flags().StringVar(&inferModel, "model", "", "Base model identifier (required)")
	inferCmd.Flags().StringVar(&inferAdapters, "adapters", "", "Adapters version name (default: newest)")
	inferCmd.Flags().StringVarP(&inferPrompt, "prompt", "p", "", "Prompt text (required)")
	inferCmd.Flags().DurationVar(&inferTimeout, "timeout", 5*time.Minute, "Abort the job after this duration")
	_ = inferCmd.MarkFlagRequired("model")
	_ = inferCmd.MarkFlagRequired("prompt")
}

func runInfer(cmd *cobra.Command, args []string) error {
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

	job, err := buildInferJob(runner, projectID, inferParams{
		Model:    inferModel,
		Adapters: inferAdapters,
		Prompt:   inferPrompt,
		Timeout:  inferTimeout,
	})
	if err != nil {
		return err
	}

	return outcomeError("inference", runner.run(ctx, job))
}

type inferParams struct {
	Model    string
	Adapters string
	Prompt   string
	Timeout  time.Duration
}

// buildInferJob assembles an ad hoc prompt job. Adapters are optional;
// a project without trained adapters runs against the base model.
func buildInferJob(r *jobRunner, projectID string, p inferParams) (jobs.Job, error) {
	workerArgs := []string{"--model", p.Model, "--prompt", p.Prompt}
	if adaptersDir, err := resolveAdaptersDir(r, projectID, p.Adapters); err == nil {
		workerArgs = append(workerArgs, "--adapters", adaptersDir)
	}

	spec, err := r.workerSpec(inferScript, workerArgs, nil)
	if err != nil {
		return jobs.Job{}, err
	}

	return jobs.Job{
		ID:          newJobID(),
		Kind:        jobs.KindInfer,
		ProjectID:   projectID,
		Spec:        spec,
		Timeout:     p.Timeout,
		RuntimeHint: mlxRuntimeHint,
	}, nil
}
