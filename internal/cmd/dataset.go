package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtyard/studio/internal/observability"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/pyenv"
	"github.com/courtyard/studio/pkg/version"
)

const datasetScript = "generate_dataset.py"

var (
	datasetMode    string
	datasetSource  string
	datasetLang    string
	datasetTimeout time.Duration
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Generate and inspect training datasets",
}

var datasetGenerateCmd = &cobra.Command{
	Use:   "generate <project_id>",
	Short: "Run the dataset generation worker for a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetGenerate,
}

var datasetVersionsCmd = &cobra.Command{
	Use:   "versions <project_id>",
	Short: "List dataset versions with sample counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetVersions,
}

func init() {
	rootCmd.AddCommand(datasetCmd)
	datasetCmd.AddCommand(datasetGenerateCmd)
	datasetCmd.AddCommand(datasetVersionsCmd)

	datasetGenerateCmd.Flags().StringVar(&datasetMode, "mode", "qa", "Generation mode passed to the worker")
	datasetGenerateCmd.Flags().StringVar(&datasetSource, "source", "raw", "Source subdirectory under the project")
	datasetGenerateCmd.Flags().StringVar(&datasetLang, "lang", "", "Target language (only passed when the script supports it)")
	datasetGenerateCmd.Flags().DurationVar(&datasetTimeout, "timeout", 0, "Abort the job after this duration (0 = unbounded)")
	datasetVersionsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDatasetGenerate(cmd *cobra.Command, args []string) error {
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

	job, versionDir, err := buildDatasetJob(runner, projectID, datasetParams{
		Mode:    datasetMode,
		Source:  datasetSource,
		Lang:    datasetLang,
		Timeout: datasetTimeout,
	})
	if err != nil {
		return err
	}

	outcome := runner.run(ctx, job)
	return runner.finishVersioned(ctx, job, versionDir, outcome, "dataset generation")
}

type datasetParams struct {
	Mode    string
	Source  string
	Lang    string
	Timeout time.Duration
}

// buildDatasetJob resolves the source files, opens a tentative version
// directory, and assembles the generation job. The version directory is
// already discarded when the returned error is non-nil.
func buildDatasetJob(r *jobRunner, projectID string, p datasetParams) (jobs.Job, string, error) {
	sourceDir := filepath.Join(r.projectDir(projectID), p.Source)
	rawFiles, err := listRawFiles(sourceDir)
	if err != nil {
		return jobs.Job{}, "", exitError(foundry.ExitFileNotFound, "No source files for dataset generation", err)
	}

	versionDir, err := r.versions.Begin(
		filepath.Join(r.projectDir(projectID), "data"),
		version.Meta{RawFiles: rawFiles, Mode: p.Mode, Source: p.Source},
	)
	if err != nil {
		return jobs.Job{}, "", exitError(foundry.ExitFileWriteError, "Failed to create dataset version directory", err)
	}

	workerArgs := []string{
		"--input", sourceDir,
		"--output", versionDir,
		"--mode", p.Mode,
	}
	if p.Lang != "" {
		if script, err := r.scriptPath(datasetScript); err == nil && pyenv.ScriptSupportsLangArg(script) {
			workerArgs = append(workerArgs, "--lang", p.Lang)
		} else {
			observability.CLILogger.Warn("script does not support --lang; ignoring",
				zap.String("script", datasetScript))
		}
	}

	spec, err := r.workerSpec(datasetScript, workerArgs, nil)
	if err != nil {
		r.versions.Discard(versionDir)
		return jobs.Job{}, "", err
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = r.cfg.Jobs.DefaultTimeout
	}

	return jobs.Job{
		ID:              newJobID(),
		Kind:            jobs.KindDataset,
		ProjectID:       projectID,
		Spec:            spec,
		Timeout:         timeout,
		RequireTerminal: requiresTerminalEvent(jobs.KindDataset),
	}, versionDir, nil
}

func runDatasetVersions(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	projectID := strings.TrimSpace(args[0])

	runner, cleanup, err := newJobRunner(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	rows, err := datasetVersionRows(filepath.Join(runner.projectDir(projectID), "data"))
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to list dataset versions", err)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No dataset versions found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "VERSION\tTRAIN\tVALID\tMODE\tSOURCE\tCREATED")
	for _, row := range rows {
		mode := row.Meta.Mode
		if mode == "" {
			mode = "-"
		}
		source := row.Meta.Source
		if source == "" {
			source = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			row.Name, row.TrainCount, row.ValidCount, mode, source, row.Timestamp.Format(time.RFC3339))
	}
	return nil
}

type datasetVersionRow struct {
	version.Version
	TrainCount int `json:"train_count"`
	ValidCount int `json:"valid_count"`
}

// datasetVersionRows lists dataset versions with non-blank line counts
// for both split files.
func datasetVersionRows(kindDir string) ([]datasetVersionRow, error) {
	versions, err := version.List(kindDir, "train.jsonl")
	if err != nil {
		return nil, err
	}
	rows := make([]datasetVersionRow, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, datasetVersionRow{
			Version:    v,
			TrainCount: countSamplesIn(v.Path, "train.jsonl"),
			ValidCount: countSamplesIn(v.Path, "valid.jsonl"),
		})
	}
	return rows, nil
}

// countSamplesIn returns the non-blank line count of a split file, zero
// when the file is absent.
func countSamplesIn(dir, name string) int {
	n, err := version.CountSamples(filepath.Join(dir, name))
	if err != nil {
		return 0
	}
	return n
}

// listRawFiles returns the plain files directly under dir, failing when
// there are none to work from.
func listRawFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no source files in %s", dir)
	}
	return names, nil
}
