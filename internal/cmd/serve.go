package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gocumulus/internal/observability"
	"github.com/3leaps/gocumulus/internal/server"
	"github.com/3leaps/gocumulus/internal/server/handlers"
	"github.com/3leaps/gocumulus/pkg/node"
	"github.com/3leaps/gocumulus/pkg/output"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch HTTP API",
	Long: `Run the gocumulus HTTP API.

Jobs are submitted with POST /v1/jobs and looked up with GET /v1/jobs/{id}.
Submissions must carry dispatch.secret (GOCUMULUS_SECRET); with no secret
configured every submission is refused. Dispositions and results are also
written as JSONL records to stdout.

Example:
  GOCUMULUS_SECRET=s3cret gocumulus serve --port 8080`,
	RunE: runServe,
}

var (
	servePort int
	serveHost string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loadedCfg
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}

	reg := observability.InitMetrics()
	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	coordinator, err := newCoordinator(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open coordination store", err)
	}
	defer func() { _ = coordinator.Close() }()
	health.RegisterChecker("coordination", coordinationHealthChecker{coord: coordinator})

	cache := newBackendCache(cfg)
	defer func() { _ = cache.Close() }()

	records := output.NewJSONLWriter(os.Stdout, "serve")
	defer func() { _ = records.Close() }()

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job history", err)
	}
	if hist != nil {
		defer func() { _ = hist.Close() }()
	}

	engine, err := newEngine(cfg, engineDeps{cache: cache, coord: coordinator, records: records, reg: reg, history: hist})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid dispatch configuration", err)
	}

	opts := []server.Option{
		server.WithDispatcher(engine),
		server.WithNodes(coordinator),
		server.WithLogger(logger().Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if hist != nil {
		opts = append(opts, server.WithHistory(hist))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics())
	}
	if cfg.Debug.PprofEnabled {
		opts = append(opts, server.WithPprof())
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger().Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		httpErr := closeWithin(cfg.Server.ShutdownTimeout, srv.Shutdown)
		engineErr := closeWithin(cfg.Server.ShutdownTimeout, engine.Close)
		return errors.Join(httpErr, engineErr)
	})

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// signalHealthChecker passes while the process handles signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// telemetryHealthChecker fails until the metrics registry is gatherable.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if err := observability.CheckMetrics(); err != nil {
		return fmt.Errorf("telemetry system not initialized: %w", err)
	}
	return nil
}

// identityHealthChecker fails when the app identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}

// coordinationHealthChecker fails while the node table cannot be read.
type coordinationHealthChecker struct {
	coord interface {
		Nodes(ctx context.Context) ([]*node.Record, error)
	}
}

func (c coordinationHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.coord.Nodes(ctx)
	return err
}
