package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/jobregistry"
	"github.com/3leaps/gocumulus/pkg/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run jobs delegated through a queue",
	Long: `Pop delegated jobs from the configured queue, stage their code and inputs,
run them, and publish results back on the queue's result channel.

Each core runs one worker loop. The command exits once the queue has been
empty for worker.max_idle.

Example:
  gocumulus worker --queue kafka --cred KAFKA_BROKERS=broker:9092 --cred KAFKA_TOPIC=jobs --cores 4`,
	RunE: runWorker,
}

var (
	workerQueue string
	workerCreds map[string]string
	workerCores int
	workerNode  string
)

func init() {
	rootCmd.AddCommand(workerCmd)
	f := workerCmd.Flags()
	f.StringVar(&workerQueue, "queue", "", "Queue backend (overrides worker.queue)")
	f.StringToStringVar(&workerCreds, "cred", nil, "Queue credential KEY=VALUE (repeatable, merged over worker.queue_credentials)")
	f.IntVar(&workerCores, "cores", 0, "Parallel worker loops (overrides worker.cores)")
	f.StringVar(&workerNode, "node", "", "Node name reported in results (default: hostname)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loadedCfg
	wc := cfg.Worker

	name := wc.Queue
	if workerQueue != "" {
		name = workerQueue
	}
	creds := queue.Credentials{}
	for k, v := range wc.QueueCredentials {
		creds[k] = v
	}
	for k, v := range workerCreds {
		creds[k] = v
	}
	cores := wc.Cores
	if workerCores > 0 {
		cores = workerCores
	}
	nodeName := workerNode
	if nodeName == "" {
		nodeName, _ = os.Hostname()
	}

	cache := newBackendCache(cfg)
	defer func() { _ = cache.Close() }()

	q, err := cache.Queue(ctx, name, creds)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open queue", err)
	}

	jobs := jobregistry.NewStore(workerJobsDir(cfg))
	// The worker has no metrics endpoint; the counters stay unregistered.
	metrics := dispatch.NewMetrics(nil)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(cores, 1); i++ {
		w, err := dispatch.NewWorker(dispatch.WorkerConfig{
			Queue:          q,
			Storage:        cache.Storage,
			Executor:       jobregistry.NewExecutor(jobs, logger().Named("exec")),
			Jobs:           jobs,
			Node:           nodeName,
			MaxIdle:        wc.MaxIdle,
			PollInterval:   wc.PollInterval,
			PopRate:        rate.Limit(wc.PopRate),
			PopBurst:       1,
			MetadataOutput: cfg.Dispatch.MetadataOutput,
			Logger:         logger().Named("worker").With(zap.Int("core", i)),
			Metrics:        metrics,
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return exitError(1, fmt.Sprintf("worker on %s failed", name), err)
	}
	logger().Info("Workers stopped", zap.String("queue", name), zap.Int("cores", cores))
	return nil
}
