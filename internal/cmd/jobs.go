package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/courtyard/studio/internal/config"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/jobstore"
	"github.com/courtyard/studio/pkg/launcher"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and stop supervised jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records",
	RunE:  runJobsList,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show captured worker output for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("history", false, "List from the history database instead of job records")
	jobsListCmd.Flags().Int("limit", 50, "Maximum history rows (with --history)")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsLogsCmd.Flags().String("stream", "both", "Stream to show: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 0, "Show only the last N lines of each stream")
	jobsLogsCmd.Flags().Bool("follow", false, "Keep the file open and print new lines as they arrive")
}

func jobRecordStore(cfg *config.Config) *jobs.Store {
	return jobs.NewStore(filepath.Join(cfg.Paths.DataDir, "jobs"))
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	fromHistory, _ := cmd.Flags().GetBool("history")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if fromHistory {
		return listJobHistory(cmd, cfg, jsonOutput, limit)
	}

	records, err := jobRecordStore(cfg).List()
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to list job records", err)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tKIND\tPROJECT\tSTATE\tPID\tSTARTED\tENDED")
	for _, rec := range records {
		project := rec.ProjectID
		if project == "" {
			project = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortJobID(rec.JobID),
			rec.Kind,
			project,
			rec.State,
			rec.PID,
			formatOptionalTime(rec.StartedAt),
			formatOptionalTime(rec.EndedAt),
		)
	}
	return nil
}

func listJobHistory(cmd *cobra.Command, cfg *config.Config, jsonOutput bool, limit int) error {
	store, err := jobstore.Open(cmd.Context(), jobstore.Config{Path: cfg.History.Path})
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open job history", err)
	}
	defer func() { _ = store.Close() }()

	rows, err := store.Recent(cmd.Context(), limit)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to read job history", err)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No history found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tKIND\tPROJECT\tSTATE\tEXIT\tSTARTED\tENDED")
	for _, row := range rows {
		project := row.ProjectID
		if project == "" {
			project = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortJobID(row.JobID),
			row.Kind,
			project,
			row.State,
			row.ExitCode,
			row.StartedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(row.EndedAt),
		)
	}
	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store := jobRecordStore(cfg)

	resolvedID, err := resolveJobID(store, jobID)
	if err != nil {
		return err
	}

	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job has no pid recorded")
	}
	if rec.State != jobs.StateRunning {
		return fmt.Errorf("job is not running (state=%s)", rec.State)
	}

	sig := syscall.SIGTERM
	if sigStr == "kill" {
		sig = syscall.SIGKILL
	}

	if err := launcher.SignalPID(rec.PID, sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	// SIGTERM gets a grace window before escalating to SIGKILL.
	if sig == syscall.SIGTERM {
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if !launcher.IsAlive(rec.PID) {
				_, _ = fmt.Fprintf(os.Stdout, "sent=term\n")
				return nil
			}
			time.Sleep(250 * time.Millisecond)
		}
		_ = launcher.SignalPID(rec.PID, syscall.SIGKILL)
		_, _ = fmt.Fprintf(os.Stdout, "sent=term;forced=kill\n")
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "sent=kill\n")
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	tail, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	stream = strings.TrimSpace(strings.ToLower(stream))
	switch stream {
	case "", "both":
		stream = "both"
	case "stdout", "stderr":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("expected stdout, stderr, or both, got %q", stream))
	}
	if follow && stream == "both" {
		return exitError(foundry.ExitInvalidArgument, "Invalid flag combination",
			fmt.Errorf("--follow requires --stream stdout or --stream stderr"))
	}

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store := jobRecordStore(cfg)

	jobID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	jobDir := store.JobDir(jobID)

	streams := []string{"stdout", "stderr"}
	if stream != "both" {
		streams = []string{stream}
	}

	for i, name := range streams {
		path := filepath.Join(jobDir, name+".log")
		if len(streams) > 1 {
			if i > 0 {
				_, _ = fmt.Fprintln(os.Stdout)
			}
			_, _ = fmt.Fprintf(os.Stdout, "==> %s <==\n", name)
		}
		if err := printLogTail(path, tail); err != nil {
			return exitError(foundry.ExitFileNotFound, "No captured output for job", err)
		}
	}

	if follow {
		path := filepath.Join(jobDir, stream+".log")
		return followLog(cmd.Context(), store, jobID, path)
	}
	return nil
}

// printLogTail copies the whole file, or only its last n lines when n
// is positive.
func printLogTail(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if n <= 0 {
		_, err = io.Copy(os.Stdout, f)
		return err
	}
	for _, line := range tailLines(f, n) {
		_, _ = fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

// tailLines scans the reader keeping only the last n lines.
func tailLines(r io.Reader, n int) []string {
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	return ring
}

// followLog polls the file for growth, stopping once the job record
// leaves the running state and the remainder is drained.
func followLog(ctx context.Context, store *jobs.Store, jobID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	for {
		n, err := io.Copy(os.Stdout, f)
		if err != nil {
			return err
		}
		if n == 0 {
			rec, recErr := store.Get(jobID)
			if recErr != nil || rec.State != jobs.StateRunning {
				_, _ = io.Copy(os.Stdout, f)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts full ids or unambiguous prefixes so the short
// ids from the table listing work directly.
func resolveJobID(store *jobs.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	records, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, rec := range records {
		if strings.HasPrefix(rec.JobID, input) {
			matches = append(matches, rec.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
