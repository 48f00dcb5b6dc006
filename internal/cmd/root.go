// Package cmd wires the cobra command tree: configuration, logging,
// job commands, serve mode, and diagnostics.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/courtyard/studio/internal/observability"
)

// AppIdentity is the binary's naming contract: what it is called, how
// its env vars are prefixed, and what its config files are named.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the process identity, nil before initialization.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

type buildVersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildVersionInfo{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "studio",
	Short: "Supervise ML worker processes and their outputs",
	Long: `studio launches and supervises external worker processes (dataset
generation, training, export, inference), streaming their JSON-line
events, versioning their outputs, and keeping the Ollama daemon's
models directory reconciled.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := observability.InitCLILogger(appIdentity.BinaryName, verbose); err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (commit %s, built %s)\n",
			appIdentity.BinaryName, versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

func init() {
	appIdentity = &AppIdentity{
		BinaryName: "studio",
		EnvPrefix:  "STUDIO",
		ConfigName: "studio",
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

// setDefaults seeds the global viper with the full key set so commands
// reading viper directly see sane values before config load.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("workers", 4)
	viper.SetDefault("debug.enabled", false)

	viper.SetDefault("jobs.default_timeout", "0")
	viper.SetDefault("jobs.export_timeout", "1800s")
	viper.SetDefault("jobs.stderr_tail_lines", 12)

	viper.SetDefault("history.enabled", true)
}

func initConfig() {
	setDefaults()

	viper.SetConfigName(appIdentity.ConfigName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if configDir, err := os.UserConfigDir(); err == nil {
		viper.AddConfigPath(configDir)
	}

	viper.SetEnvPrefix(appIdentity.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "warning: config file error: %v\n", err)
		}
	}
}

// ExitWithCode logs a fatal condition and terminates with the foundry
// exit code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	os.Exit(code)
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error("command failed", zap.Error(err))
		observability.Sync()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError recovers the foundry code embedded by exitError,
// defaulting to 1.
func exitCodeFromError(err error) int {
	msg := err.Error()
	marker := "(exit code "
	idx := strings.LastIndex(msg, marker)
	if idx < 0 {
		return 1
	}
	var code int
	if _, scanErr := fmt.Sscanf(msg[idx+len(marker):], "%d)", &code); scanErr != nil || code <= 0 {
		return 1
	}
	return code
}
