package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/jobregistry"
	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/retry"
	"github.com/3leaps/gocumulus/pkg/storage"
)

const (
	DefaultMaxIdle      = 300 * time.Second
	DefaultPollInterval = 10 * time.Second
)

// WorkerConfig configures a Worker. Queue, Storage and Jobs are required.
type WorkerConfig struct {
	Queue   queue.Backend
	Storage StorageFactory

	// Executor defaults to a process executor over Jobs.
	Executor Executor
	Jobs     *jobregistry.Store

	// Node identifies this worker in published results.
	Node string

	// MaxIdle is how long Run keeps polling an empty queue before it returns.
	MaxIdle time.Duration

	// PollInterval is the wait after an empty pop.
	PollInterval time.Duration

	// PopRate caps pops per second. Zero means unlimited.
	PopRate  rate.Limit
	PopBurst int

	MetadataOutput bool

	Clock   clock.Clock
	Sleeper retry.Sleeper
	Logger  *zap.Logger
	Metrics *Metrics
}

// Worker pops delegated jobs, runs them, and publishes results on the
// queue's result channel.
type Worker struct {
	cfg     WorkerConfig
	results queue.ResultChannel
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, faults.Configuration("worker", "queue", errors.New("a queue backend is required"))
	}
	rc, ok := queue.ResultsOf(cfg.Queue)
	if !ok {
		return nil, faults.Configuration("worker", "queue", fmt.Errorf("%w: %s", queue.ErrNoResultChannel, cfg.Queue.Kind()))
	}
	if cfg.Storage == nil {
		return nil, faults.Configuration("worker", "storage_factory", errors.New("a storage factory is required"))
	}
	if cfg.Jobs == nil {
		return nil, faults.Configuration("worker", "jobs", errors.New("a job store is required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Executor == nil {
		cfg.Executor = jobregistry.NewExecutor(cfg.Jobs, cfg.Logger)
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = retry.ClockSleeper{Clock: cfg.Clock}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	limit := cfg.PopRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.PopBurst
	if burst < 1 {
		burst = 1
	}
	return &Worker{
		cfg:     cfg,
		results: rc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  cfg.Logger.With(zap.String("node", cfg.Node)),
	}, nil
}

// Run processes items until the queue has been empty for MaxIdle, which
// returns nil, or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	clk := w.cfg.Clock
	lastWork := clk.Now()
	w.logger.Info("worker started",
		zap.String("queue", string(w.cfg.Queue.Kind())),
		zap.Duration("max_idle", w.cfg.MaxIdle))

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		item, ok, err := w.cfg.Queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("pop failed", zap.Error(err))
			ok = false
		}

		if !ok {
			if clk.Since(lastWork) >= w.cfg.MaxIdle {
				w.logger.Info("worker idle, exiting", zap.Duration("idle", clk.Since(lastWork)))
				return nil
			}
			if err := w.cfg.Sleeper.Sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		res, ok := w.Handle(ctx, item)
		if ok {
			if err := w.results.PublishResult(ctx, res); err != nil {
				w.logger.Error("publish result", zap.String("job_id", res.JobID), zap.Error(err))
			}
		}
		lastWork = clk.Now()
	}
}

// Handle runs one popped item. ok is false when the item carries no job id,
// so there is nobody to report to.
func (w *Worker) Handle(ctx context.Context, item queue.Item) (queue.Result, bool) {
	wi, err := ParseWorkItem(item)
	if err != nil {
		w.logger.Warn("dropping malformed work item", zap.Error(err))
		w.cfg.Metrics.workerItems.WithLabelValues("malformed").Inc()
		if id := item.String(itemJobID); id != "" {
			return w.failure(id, err), true
		}
		return queue.Result{}, false
	}

	res := w.execute(ctx, wi)
	w.cfg.Metrics.workerItems.WithLabelValues(string(res.Status)).Inc()
	return res, true
}

func (w *Worker) failure(jobID string, err error) queue.Result {
	return queue.Result{JobID: jobID, Status: queue.StatusFailed, Error: err.Error(), Node: w.cfg.Node}
}

func (w *Worker) execute(ctx context.Context, wi WorkItem) queue.Result {
	log := w.logger.With(zap.String("job_id", wi.JobID))
	recorded := w.record(wi)

	fail := func(err error) queue.Result {
		log.Warn("work item failed", zap.Error(err))
		if recorded {
			if _, terr := w.cfg.Jobs.Transition(wi.JobID, jobregistry.JobStateFailed, err.Error()); terr != nil {
				log.Warn("record job result", zap.Error(terr))
			}
		}
		return w.failure(wi.JobID, err)
	}

	code, err := storage.ParseURI(wi.CodeLocation)
	if err != nil {
		return fail(err)
	}
	var inputs []storage.URI
	for _, in := range wi.Inputs {
		u, err := storage.ParseURI(in)
		if err != nil {
			return fail(err)
		}
		inputs = append(inputs, u)
	}

	sb, err := w.cfg.Storage(ctx, wi.StorageBackend, storage.Credentials(wi.StorageCredentials))
	w.cfg.Metrics.resolved(wi.StorageBackend, err)
	if err != nil {
		return fail(err)
	}

	st, err := stage(ctx, sb, w.cfg.Jobs.WorkDir(wi.JobID), code, inputs, wi.Argv)
	if err != nil {
		return fail(fmt.Errorf("stage: %w", err))
	}
	w.transition(recorded, wi.JobID, jobregistry.JobStateStaged)
	w.transition(recorded, wi.JobID, jobregistry.JobStateExecuting)

	res, err := w.cfg.Executor.Run(ctx, jobregistry.Execution{
		JobID: wi.JobID,
		Code:  st.code,
		Args:  st.args,
		Dir:   st.workDir,
	})
	if err != nil {
		return fail(fmt.Errorf("execute: %w", err))
	}

	if w.cfg.MetadataOutput && wi.OutputLocation != "" {
		if out, err := storage.ParseURI(wi.OutputLocation); err == nil {
			if err := writeMetadata(ctx, sb, out, wi.JobID, w.cfg.Node, res); err != nil {
				log.Warn("write execution metadata", zap.Error(err))
			}
		}
	}

	if !res.Succeeded() {
		return fail(fmt.Errorf("%w %d: %s", ErrExitStatus, res.ExitCode, strings.TrimSpace(string(res.Stderr))))
	}
	w.transition(recorded, wi.JobID, jobregistry.JobStateSucceeded)
	log.Info("work item succeeded", zap.Int("stdout_bytes", len(res.Stdout)))
	return queue.Result{JobID: wi.JobID, Status: queue.StatusSucceeded, Output: res.Stdout, Node: w.cfg.Node}
}

func (w *Worker) record(wi WorkItem) bool {
	err := w.cfg.Jobs.Write(&jobregistry.JobRecord{
		JobID:          wi.JobID,
		Type:           string(TypeRemote),
		State:          jobregistry.JobStateReceived,
		CodeLocation:   wi.CodeLocation,
		OutputLocation: wi.OutputLocation,
		Backends:       jobregistry.Backends{Storage: wi.StorageBackend, Queue: string(w.cfg.Queue.Kind())},
		Nodes:          wi.Nodes,
		CreatedAt:      w.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		w.logger.Warn("record work item", zap.String("job_id", wi.JobID), zap.Error(err))
		return false
	}
	return true
}

func (w *Worker) transition(recorded bool, jobID string, state jobregistry.JobState) {
	if !recorded {
		return
	}
	if _, err := w.cfg.Jobs.Transition(jobID, state, ""); err != nil {
		w.logger.Warn("record job transition", zap.String("job_id", jobID), zap.Error(err))
	}
}
