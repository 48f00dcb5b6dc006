package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/courtyard/studio/pkg/jobs"
)

const cleanScript = "clean.py"

var cleanTimeout time.Duration

var cleanCmd = &cobra.Command{
	Use:   "clean <project_id>",
	Short: "Run the raw-text cleaning worker for a project",
	Long: `Run the cleaning worker over a project's raw files, writing the
normalized output alongside them for dataset generation to consume.`,
	Args: cobra.ExactArgs(1),
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().DurationVar(&cleanTimeout, "timeout", 0, "Abort the job after this duration (0 = unbounded)")
}

func runClean(cmd *cobra.Command, args []string) error {
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

	job, err := buildCleanJob(runner, projectID, cleanTimeout)
	if err != nil {
		return err
	}

	return outcomeError("clean", runner.run(ctx, job))
}

// buildCleanJob validates the raw inputs and assembles the cleaning
// job. The cleaning worker speaks the structured protocol, so a silent
// zero exit must classify as Failed rather than Succeeded.
func buildCleanJob(r *jobRunner, projectID string, timeout time.Duration) (jobs.Job, error) {
	rawDir := filepath.Join(r.projectDir(projectID), "raw")
	if _, err := listRawFiles(rawDir); err != nil {
		return jobs.Job{}, exitError(foundry.ExitFileNotFound, "No raw files to clean", err)
	}

	spec, err := r.workerSpec(cleanScript, []string{
		"--input", rawDir,
		"--output", filepath.Join(r.projectDir(projectID), "cleaned"),
	}, nil)
	if err != nil {
		return jobs.Job{}, err
	}

	if timeout == 0 {
		timeout = r.cfg.Jobs.DefaultTimeout
	}

	return jobs.Job{
		ID:              newJobID(),
		Kind:            jobs.KindClean,
		ProjectID:       projectID,
		Spec:            spec,
		Timeout:         timeout,
		RequireTerminal: requiresTerminalEvent(jobs.KindClean),
	}, nil
}
