package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/courtyard/studio/internal/config"
)

var ollamaCmd = &cobra.Command{
	Use:   "ollama",
	Short: "Inspect and reconcile the Ollama daemon",
}

var ollamaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's effective models directory and its source",
	RunE:  runOllamaStatus,
}

var ollamaApplyCmd = &cobra.Command{
	Use:   "apply [models_dir]",
	Short: "Push a models directory override and restart the daemon",
	Long: `Push a models directory override into the daemon's launch environment
and restart it so the override takes effect. With no argument the
configured ollama.models_dir is applied; an explicit empty string ("")
removes the override.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOllamaApply,
}

func init() {
	rootCmd.AddCommand(ollamaCmd)
	ollamaCmd.AddCommand(ollamaStatusCmd)
	ollamaCmd.AddCommand(ollamaApplyCmd)

	ollamaStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runOllamaStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	res := newReconciler(cfg).Resolve(cmd.Context())

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	running := "no"
	if res.Running {
		running = "yes"
	}
	_, _ = fmt.Fprintf(os.Stdout, "models_dir=%s\n", res.ModelsDir)
	_, _ = fmt.Fprintf(os.Stdout, "source=%s\n", res.Source)
	_, _ = fmt.Fprintf(os.Stdout, "running=%s\n", running)
	return nil
}

func runOllamaApply(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	dir := cfg.Ollama.ModelsDir
	if len(args) == 1 {
		dir = strings.TrimSpace(args[0])
	}

	r := newReconciler(cfg)
	if err := r.ApplyAndRestart(cmd.Context(), dir); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Daemon reconciliation failed", err)
	}

	res := r.Resolve(cmd.Context())
	_, _ = fmt.Fprintf(os.Stdout, "models_dir=%s source=%s\n", res.ModelsDir, res.Source)
	return nil
}
