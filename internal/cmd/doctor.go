package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtyard/studio/internal/config"
	"github.com/courtyard/studio/internal/observability"
	"github.com/courtyard/studio/pkg/pyenv"
)

var doctorOllama bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  studio doctor           # Full environment check
  studio doctor --ollama  # Include Ollama daemon checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorOllama, "ollama", false, "Run Ollama daemon checks")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorOllama {
		totalChecks = 7
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Configuration
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, err),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ data dir %s", checkNum, totalChecks, cfg.Paths.DataDir),
			zap.String("data_dir", cfg.Paths.DataDir))
	}
	checkNum++

	// Check 3: Python runtime
	python, err := pyenv.FindPython()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Python runtime... ❌ python3 not found", checkNum, totalChecks),
			zap.Error(err))
		printPythonHelp()
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Python runtime... ✅ %s", checkNum, totalChecks, python),
			zap.String("python", python))
	}
	checkNum++

	// Check 4: Scripts directory
	if cfg != nil {
		info, statErr := os.Stat(cfg.Paths.ScriptsDir)
		switch {
		case statErr != nil:
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking scripts directory... ❌ %s", checkNum, totalChecks, cfg.Paths.ScriptsDir),
				zap.Error(statErr))
			allChecks = false
		case !info.IsDir():
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking scripts directory... ❌ not a directory: %s", checkNum, totalChecks, cfg.Paths.ScriptsDir))
			allChecks = false
		default:
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking scripts directory... ✅ %s", checkNum, totalChecks, cfg.Paths.ScriptsDir),
				zap.String("scripts_dir", cfg.Paths.ScriptsDir))
		}
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking scripts directory... ⚠️  skipped (no configuration)", checkNum, totalChecks))
	}
	checkNum++

	// Check 5: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorOllama && cfg != nil {
		allChecks = runOllamaChecks(cmd, cfg, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// runOllamaChecks runs daemon-specific diagnostic checks.
func runOllamaChecks(cmd *cobra.Command, cfg *config.Config, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Ollama Daemon Checks:")

	res := newReconciler(cfg).Resolve(cmd.Context())

	// Check 6: Daemon presence
	if res.Running {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking daemon... ✅ running", checkNum, totalChecks))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking daemon... ⚠️  not running", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 7: Models directory agreement
	want := cfg.Ollama.ModelsDir
	if want == "" || res.ModelsDir == want {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking models directory... ✅ %s (source: %s)", checkNum, totalChecks, res.ModelsDir, res.Source),
			zap.String("models_dir", res.ModelsDir),
			zap.String("source", string(res.Source)))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking models directory... ⚠️  daemon uses %s, config wants %s", checkNum, totalChecks, res.ModelsDir, want),
			zap.String("models_dir", res.ModelsDir),
			zap.String("configured", want))
		observability.CLILogger.Info("  Run 'studio ollama apply' to reconcile.")
		allChecks = false
	}

	return allChecks
}

// printPythonHelp prints help for installing the worker runtime.
func printPythonHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To install the worker runtime:")
	observability.CLILogger.Info("  1. Install python3 (brew install python, or your distro package), then")
	observability.CLILogger.Info("  2. pip install mlx-lm for training and export workers")
	observability.CLILogger.Info("")
}
