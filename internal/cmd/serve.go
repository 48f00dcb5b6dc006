package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtyard/studio/internal/config"
	"github.com/courtyard/studio/internal/observability"
	"github.com/courtyard/studio/internal/server"
	"github.com/courtyard/studio/internal/server/handlers"
	"github.com/courtyard/studio/pkg/events"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/jobstore"
	"github.com/courtyard/studio/pkg/version"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Run the HTTP server exposing job control, live SSE event streams,
output version listings, and Ollama daemon reconciliation.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
}

// signalHealthChecker reports liveness of the process itself.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the binary's naming contract is
// complete, catching broken builds early.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return fmt.Errorf("app identity check failed: missing binary name")
	}
	if c.envPrefix == "" {
		return fmt.Errorf("app identity check failed: missing env prefix")
	}
	if c.configName == "" {
		return fmt.Errorf("app identity check failed: missing config name")
	}
	return nil
}

// historyHealthChecker pings the job history database.
type historyHealthChecker struct {
	store *jobstore.Store
}

func (c historyHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("job history not initialized")
	}
	_, err := c.store.Recent(ctx, 1)
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var overrides []map[string]any
	if serveHost != "" || servePort != 0 {
		serverOverride := map[string]any{}
		if serveHost != "" {
			serverOverride["host"] = serveHost
		}
		if servePort != 0 {
			serverOverride["port"] = servePort
		}
		overrides = append(overrides, map[string]any{"server": serverOverride})
	}

	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewStructuredLogger(cfg.Logging.Level)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	handlers.SetBuildInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)

	manager := handlers.GetHealthManager()
	manager.RegisterChecker("signal", signalHealthChecker{})
	manager.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})

	registry := jobs.NewRegistry()
	bus := events.NewBus()
	defer bus.Close()

	var history *jobstore.Store
	if cfg.History.Enabled {
		history, err = jobstore.Open(ctx, jobstore.Config{Path: cfg.History.Path})
		if err != nil {
			logger.Warn("job history disabled", zap.Error(err))
			history = nil
		} else {
			defer func() { _ = history.Close() }()
			manager.RegisterChecker("history", historyHealthChecker{store: history})
		}
	}

	store := jobs.NewStore(filepath.Join(cfg.Paths.DataDir, "jobs"))
	runner := &jobRunner{
		cfg:      cfg,
		registry: registry,
		store:    store,
		history:  history,
		sink:     bus,
		sup: jobs.NewSupervisor(jobs.SupervisorConfig{
			Registry:        registry,
			Sink:            bus,
			Store:           store,
			Logger:          logger,
			StderrTailLines: cfg.Jobs.StderrTailLines,
		}),
		versions: version.NewManager(),
	}
	starter := &serveJobStarter{base: ctx, runner: runner, logger: logger}

	api := handlers.NewAPI(handlers.Deps{
		Registry:    registry,
		History:     history,
		Bus:         bus,
		Reconciler:  newReconciler(cfg),
		Starter:     starter,
		ProjectsDir: cfg.Paths.ProjectsDir,
	}, logger)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(api),
		server.WithLogger(logger),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	logger.Info("serve mode starting",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", srv.Port()),
		zap.Bool("history", history != nil))

	return srv.Run(ctx)
}
