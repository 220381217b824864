package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3leaps/gocumulus/internal/config"
	"github.com/3leaps/gocumulus/pkg/backends"
	"github.com/3leaps/gocumulus/pkg/coord"
	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/history"
	"github.com/3leaps/gocumulus/pkg/jobregistry"
	"github.com/3leaps/gocumulus/pkg/output"
	"github.com/3leaps/gocumulus/pkg/retry"
)

// backendPolicy is the retry budget for every backend. Each backend decides
// for itself which errors are transient.
func backendPolicy(cfg *config.Config) retry.Policy {
	return retry.Fixed(cfg.Retry.MaxAttempts, cfg.Retry.Delay)
}

func newBackendCache(cfg *config.Config) *backends.Cache {
	return backends.NewCache(
		backends.WithLogger(logger()),
		backends.WithPolicy(backendPolicy(cfg)),
	)
}

// newCoordinator opens the configured coordination store.
func newCoordinator(ctx context.Context, cfg *config.Config) (*coord.Coordinator, error) {
	cc := cfg.Coordination
	var store coord.Store
	switch cc.Backend {
	case "etcd":
		s, err := coord.NewEtcdStore(ctx, coord.EtcdConfig{
			Endpoints:  cc.Endpoints,
			SessionTTL: cc.SessionTTL,
			Logger:     logger().Named("etcd"),
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = coord.NewMemStore()
	}

	attempts := 1
	if cc.LockPollInterval > 0 {
		attempts = int(cc.LockTimeout / cc.LockPollInterval)
	}
	c, err := coord.New(coord.Config{
		Store:    store,
		Root:     cc.Root,
		Owner:    cc.NodeID,
		LockPoll: retry.FixedPoll(max(attempts, 1), cc.LockPollInterval),
		Logger:   logger().Named("coord"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

// engineDeps are the long-lived pieces an engine is built from.
type engineDeps struct {
	cache   *backends.Cache
	coord   *coord.Coordinator
	records output.Writer
	reg     prometheus.Registerer
	history *history.Store
}

// openHistory opens the finished-job database, or returns nil when history
// is disabled.
func openHistory(ctx context.Context, cfg *config.Config) (*history.Store, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	return history.Open(ctx, history.Config{
		Path:      cfg.HistoryPath(),
		URL:       cfg.History.URL,
		AuthToken: cfg.History.AuthToken,
	})
}

func newEngine(cfg *config.Config, deps engineDeps) (*dispatch.Engine, error) {
	dc := cfg.Dispatch
	jobs := jobregistry.NewStore(cfg.Jobs.Dir)
	executor := jobregistry.NewExecutor(jobs, logger().Named("exec"))
	dcfg := dispatch.Config{
		Secret:         dc.Secret,
		Storage:        deps.cache.Storage,
		Queue:          deps.cache.Queue,
		Executor:       executor,
		Coordinator:    deps.coord,
		Jobs:           jobs,
		CompletionPoll: retry.FixedPoll(dc.CompletionPollAttempts, dc.CompletionPollInterval),
		LocalFallback:  dc.LocalFallback,
		MetadataOutput: dc.MetadataOutput,
		SkipPreflight:  dc.SkipPreflight,
		Concurrency:    dc.Concurrency,
		Records:        deps.records,
		Logger:         logger().Named("dispatch"),
		Metrics:        dispatch.NewMetrics(deps.reg),
	}
	if deps.history != nil {
		dcfg.History = deps.history
	}
	return dispatch.New(dcfg)
}

// workerJobsDir keeps worker records apart from the engine's so both can
// run in one process.
func workerJobsDir(cfg *config.Config) string {
	return filepath.Join(cfg.Jobs.Dir, "worker")
}

// closeWithin bounds a shutdown step.
func closeWithin(d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
