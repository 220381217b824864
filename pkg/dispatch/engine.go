// Package dispatch is the job-dispatch engine.
//
// For every submitted job the engine validates the descriptor, decides
// whether it runs here or on the cluster, stages code and inputs through the
// job's storage backend, and either runs the code locally or pushes a work
// item to the job's queue and polls for the worker's result. Each job passes
// through received, validated, staged, then executing or delegated, and ends
// succeeded or failed.
//
// Validation touches no backend: an unknown backend name or a missing
// credential field fails the job before any factory is called. Waiting is
// always bounded (lock acquisition, completion polls), so a job ends in a
// terminal result rather than hanging.
package dispatch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/3leaps/gocumulus/pkg/coord"
	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/jobregistry"
	"github.com/3leaps/gocumulus/pkg/node"
	"github.com/3leaps/gocumulus/pkg/output"
	"github.com/3leaps/gocumulus/pkg/preflight"
	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/retry"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// StorageFactory builds a storage backend from a backend name and
// credentials. backends.NewStorage and (*backends.Cache).Storage fit.
type StorageFactory func(ctx context.Context, name string, creds storage.Credentials) (*storage.Backend, error)

// QueueFactory builds a queue backend from a backend name and credentials.
type QueueFactory func(ctx context.Context, name string, creds queue.Credentials) (queue.Backend, error)

// Executor runs staged code. *jobregistry.Executor runs it as a process.
type Executor interface {
	Run(ctx context.Context, x jobregistry.Execution) (*jobregistry.ExecResult, error)
}

var (
	// ErrExitStatus wraps a non-zero exit of locally run code.
	ErrExitStatus = errors.New("non-zero exit status")

	// ErrRemoteFailed wraps a failure reported by a worker.
	ErrRemoteFailed = errors.New("remote job failed")

	ErrDuplicateJob = errors.New("duplicate job id")
	ErrJobNotFound  = errors.New("job not found")
	ErrClosed       = errors.New("dispatch engine closed")
)

const DefaultConcurrency = 4

// DefaultCompletionPoll waits up to an hour for a delegated job.
func DefaultCompletionPoll() retry.PollPolicy {
	return retry.FixedPoll(360, 10*time.Second)
}

// Config configures an Engine. Storage and Jobs are required.
//
// Backends returned by the factories are not closed by the engine; whoever
// supplies the factory owns their lifetime (backends.Cache does this).
type Config struct {
	// Secret gates Submit. With no secret configured every Submit is refused.
	Secret string

	Storage StorageFactory
	Queue   QueueFactory

	// Executor defaults to a process executor over Jobs.
	Executor Executor

	// Coordinator, when set, assigns idle nodes to remote jobs and tracks
	// delegated jobs cluster-wide.
	Coordinator *coord.Coordinator

	Jobs *jobregistry.Store

	// History, when set, keeps finished results so Result and Wait answer
	// for jobs from earlier runs.
	History ResultHistory

	// CompletionPoll bounds the wait for a delegated job's result.
	CompletionPoll retry.PollPolicy

	// LocalFallback runs a remote job locally when no node is idle, instead
	// of failing it.
	LocalFallback bool

	// MetadataOutput writes <output>.meta.json after local runs.
	MetadataOutput bool

	SkipPreflight bool

	// Concurrency limits jobs executing or polling at once.
	Concurrency int

	// Records receives dispositions, preflight outcomes and results.
	Records output.Writer

	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *Metrics
	NewJobID func() string
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	bgCtx  context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]chan struct{}
	results map[string]JobResult
}

func New(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		return nil, faults.Configuration("dispatch", "storage_factory", errors.New("a storage factory is required"))
	}
	if cfg.Jobs == nil {
		return nil, faults.Configuration("dispatch", "jobs", errors.New("a job store is required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Executor == nil {
		cfg.Executor = jobregistry.NewExecutor(cfg.Jobs, cfg.Logger)
	}
	if cfg.CompletionPoll.Attempts == 0 {
		cfg.CompletionPoll = DefaultCompletionPoll()
	}
	if cfg.CompletionPoll.Sleeper == nil {
		cfg.CompletionPoll.Sleeper = retry.ClockSleeper{Clock: cfg.Clock}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.NewJobID == nil {
		cfg.NewJobID = uuid.NewString
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		bgCtx:   bgCtx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		pending: make(map[string]chan struct{}),
		results: make(map[string]JobResult),
	}, nil
}

// job is the engine's working state for one descriptor.
type job struct {
	desc JobDescriptor
	v    *validated

	// registered: the job owns its pending entry. recorded: it has a job
	// record on disk.
	registered bool
	recorded   bool

	// background: Submit accepted the job and Close waits for it.
	background bool

	disposition Disposition
	nodes       []string

	sb      *storage.Backend
	qb      queue.Backend
	results queue.ResultChannel
	st      *staged
}

// Dispatch runs a batch to completion and returns one result per job in
// submission order. Validation and staging happen job by job in order;
// execution and completion polling then run concurrently.
func (e *Engine) Dispatch(ctx context.Context, descs []JobDescriptor) []JobResult {
	results := make([]JobResult, len(descs))
	ready := make([]*job, len(descs))
	for i, d := range descs {
		j, err := e.receive(d, false)
		if err == nil {
			err = e.prepare(ctx, j)
		}
		if err != nil {
			results[i] = e.abort(ctx, j, err)
			continue
		}
		ready[i] = j
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, j := range ready {
		if j == nil {
			continue
		}
		g.Go(func() error {
			results[i] = e.finish(ctx, j, e.run(ctx, j))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Submit checks secret, then validates, claims and stages each job in order
// and returns the dispatch decision for each. Execution continues in the
// background; use Wait or Result to collect outcomes. A wrong secret rejects
// the whole batch with ErrBadSecret.
func (e *Engine) Submit(ctx context.Context, secret string, descs []JobDescriptor) ([]Submission, error) {
	if !e.checkSecret(secret) {
		return nil, ErrBadSecret
	}

	subs := make([]Submission, len(descs))
	for i, d := range descs {
		j, err := e.receive(d, true)
		if err == nil {
			err = e.prepare(ctx, j)
		}
		if err != nil {
			res := e.abort(ctx, j, err)
			subs[i] = Submission{
				JobID:       res.JobID,
				Disposition: DispositionRejected,
				ErrorDetail: res.ErrorDetail,
				ErrorClass:  res.ErrorClass,
			}
			e.emitDisposition(ctx, subs[i])
			continue
		}

		subs[i] = Submission{JobID: j.desc.JobID, Disposition: j.disposition, Nodes: j.nodes}
		e.emitDisposition(ctx, subs[i])

		go func() {
			if err := e.sem.Acquire(e.bgCtx, 1); err != nil {
				e.finish(e.bgCtx, j, e.releaseAndFail(j, err))
				return
			}
			defer e.sem.Release(1)
			e.finish(e.bgCtx, j, e.run(e.bgCtx, j))
		}()
	}
	return subs, nil
}

func (e *Engine) checkSecret(secret string) bool {
	if e.cfg.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(e.cfg.Secret)) == 1
}

// Result returns the outcome of a job this engine accepted. A job still
// running reports StatusDelegated.
func (e *Engine) Result(jobID string) (JobResult, bool) {
	e.mu.Lock()
	r, finished := e.results[jobID]
	_, running := e.pending[jobID]
	e.mu.Unlock()

	switch {
	case finished:
		return r, true
	case running:
		return JobResult{JobID: jobID, Status: StatusDelegated}, true
	}
	return e.fromHistory(jobID)
}

// Wait blocks until jobID is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, jobID string) (JobResult, error) {
	e.mu.Lock()
	done, running := e.pending[jobID]
	r, finished := e.results[jobID]
	e.mu.Unlock()

	switch {
	case finished:
		return r, nil
	case !running:
		if r, ok := e.fromHistory(jobID); ok {
			return r, nil
		}
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	select {
	case <-done:
		r, _ := e.Result(jobID)
		return r, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// Close stops accepting jobs and waits for background jobs. If ctx ends
// first, their polls are cancelled and they finish as failed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// receive assigns an id and timestamp and records the job. A background job
// is counted in e.wg under the same lock that checks closed, and finish
// releases it.
func (e *Engine) receive(d JobDescriptor, background bool) (*job, error) {
	if d.JobID == "" {
		d.JobID = e.cfg.NewJobID()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = e.clock.Now().UTC()
	}
	j := &job{desc: d}

	if !validJobID(d.JobID) {
		return j, faults.Configuration("job", "job_id", fmt.Errorf("%w: job id %q", ErrInvalidJob, d.JobID))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return j, ErrClosed
	}
	_, running := e.pending[d.JobID]
	_, finished := e.results[d.JobID]
	if running || finished {
		e.mu.Unlock()
		return j, faults.Configuration("job", "job_id", fmt.Errorf("%w: %s", ErrDuplicateJob, d.JobID))
	}
	e.pending[d.JobID] = make(chan struct{})
	j.registered = true
	if background {
		e.wg.Add(1)
		j.background = true
	}
	e.mu.Unlock()
	e.metrics.inFlight.Inc()

	if _, err := e.cfg.Jobs.Get(d.JobID); err == nil {
		return j, faults.Configuration("job", "job_id", fmt.Errorf("%w: %s has a record", ErrDuplicateJob, d.JobID))
	}
	err := e.cfg.Jobs.Write(&jobregistry.JobRecord{
		JobID:          d.JobID,
		Type:           string(d.Type),
		State:          jobregistry.JobStateReceived,
		CodeLocation:   d.CodeLocation,
		OutputLocation: d.OutputLocation,
		Backends:       jobregistry.Backends{Storage: d.StorageBackend, Queue: d.QueueBackend},
		CreatedAt:      d.ReceivedAt,
	})
	if err != nil {
		return j, fmt.Errorf("record job: %w", err)
	}
	j.recorded = true
	e.logger.Debug("job received", zap.String("job_id", d.JobID), zap.String("type", string(d.Type)))
	return j, nil
}

func validJobID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// prepare takes a received job through validation, node assignment, backend
// resolution, admission and staging.
func (e *Engine) prepare(ctx context.Context, j *job) error {
	v, err := validate(j.desc)
	if err != nil {
		return err
	}
	if v.desc.Type == TypeRemote && e.cfg.Queue == nil {
		return faults.Configuration("dispatch", "queue_factory", errors.New("no queue factory for remote jobs"))
	}
	j.v, j.desc = v, v.desc
	e.transition(j, jobregistry.JobStateValidated, "")

	j.disposition = DispositionLocal
	if j.desc.Type == TypeRemote {
		if err := e.claim(ctx, j); err != nil {
			return err
		}
	}

	sb, err := e.cfg.Storage(ctx, j.desc.StorageBackend, storage.Credentials(j.desc.StorageCredentials))
	e.metrics.resolved(j.desc.StorageBackend, err)
	if err != nil {
		return err
	}
	j.sb = sb

	if j.disposition != DispositionLocal {
		qb, err := e.cfg.Queue(ctx, j.desc.QueueBackend, j.desc.queueCredentials())
		e.metrics.resolved(j.desc.QueueBackend, err)
		if err != nil {
			return err
		}
		rc, ok := queue.ResultsOf(qb)
		if !ok {
			return faults.Configuration("queue", "backend", fmt.Errorf("%w: %s", queue.ErrNoResultChannel, qb.Kind()))
		}
		j.qb, j.results = qb, rc
	}

	if !e.cfg.SkipPreflight {
		rec, err := preflight.CanRunJob(ctx, sb, preflight.Job{
			JobID:  j.desc.JobID,
			Code:   v.code,
			Inputs: v.inputs,
			Output: v.output,
		})
		if e.cfg.Records != nil && rec != nil {
			if werr := e.cfg.Records.WritePreflight(ctx, rec); werr != nil {
				e.logger.Warn("write preflight record", zap.String("job_id", j.desc.JobID), zap.Error(werr))
			}
		}
		if err != nil {
			return err
		}
	}

	// Delegated jobs are staged by the worker that pops them.
	if j.disposition == DispositionLocal {
		st, err := stage(ctx, sb, e.cfg.Jobs.WorkDir(j.desc.JobID), v.code, v.inputs, j.desc.Argv)
		if err != nil {
			return err
		}
		j.st = st
	}
	e.transition(j, jobregistry.JobStateStaged, "")
	return nil
}

// claim assigns idle nodes to a remote job under the coordinator lock.
func (e *Engine) claim(ctx context.Context, j *job) error {
	j.disposition = DispositionDelegated
	if j.desc.MaxNodes > 1 {
		j.disposition = DispositionParallel
	}
	if e.cfg.Coordinator == nil {
		return nil
	}

	claimed, err := e.cfg.Coordinator.ClaimIdle(ctx, j.desc.MaxNodes, j.desc.CloudTag, node.RoleCompute)
	if errors.Is(err, coord.ErrNoCapacity) {
		e.metrics.noCapacity.Inc()
		if e.cfg.LocalFallback {
			e.logger.Info("no idle nodes, running locally",
				zap.String("job_id", j.desc.JobID), zap.Int("max_nodes", j.desc.MaxNodes))
			j.disposition = DispositionLocal
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	for _, r := range claimed {
		j.nodes = append(j.nodes, r.PublicIP)
	}
	if _, err := e.cfg.Jobs.Update(j.desc.JobID, func(r *jobregistry.JobRecord) { r.Nodes = j.nodes }); err != nil {
		e.logger.Warn("record claimed nodes", zap.String("job_id", j.desc.JobID), zap.Error(err))
	}
	return nil
}

func (e *Engine) run(ctx context.Context, j *job) JobResult {
	if j.disposition == DispositionLocal {
		return e.runLocal(ctx, j)
	}
	return e.runDelegated(ctx, j)
}

func (e *Engine) runLocal(ctx context.Context, j *job) JobResult {
	id := j.desc.JobID
	e.transition(j, jobregistry.JobStateExecuting, "")

	res, err := e.cfg.Executor.Run(ctx, jobregistry.Execution{
		JobID: id,
		Code:  j.st.code,
		Args:  j.st.args,
		Dir:   j.st.workDir,
	})
	if err != nil {
		return failed(id, fmt.Errorf("execute: %w", err))
	}
	_, err = e.cfg.Jobs.Update(id, func(r *jobregistry.JobRecord) {
		code := res.ExitCode
		r.ExitCode = &code
		if res.PID != 0 {
			r.PID = res.PID
		}
	})
	if err != nil {
		e.logger.Warn("record exit code", zap.String("job_id", id), zap.Error(err))
	}

	if e.cfg.MetadataOutput {
		if err := writeMetadata(ctx, j.sb, j.v.output, id, "", res); err != nil {
			e.logger.Warn("write execution metadata", zap.String("job_id", id), zap.Error(err))
		}
	}

	if !res.Succeeded() {
		return failed(id, fmt.Errorf("%w %d: %s", ErrExitStatus, res.ExitCode, strings.TrimSpace(string(res.Stderr))))
	}
	if err := j.sb.Put(ctx, j.v.output, res.Stdout); err != nil {
		return failed(id, err)
	}
	return succeeded(id, res.Stdout)
}

func (e *Engine) runDelegated(ctx context.Context, j *job) JobResult {
	id := j.desc.JobID
	defer e.releaseNodes(j)

	origin := ""
	if c := e.cfg.Coordinator; c != nil {
		origin = c.Owner()
		err := c.RegisterJob(ctx, coord.JobEntry{JobID: id, Queue: string(j.qb.Kind()), Nodes: j.nodes})
		if err != nil {
			return failed(id, err)
		}
		defer func() {
			if err := c.CompleteJob(context.WithoutCancel(ctx), id); err != nil {
				e.logger.Warn("remove in-flight job entry", zap.String("job_id", id), zap.Error(err))
			}
		}()
	}

	if err := j.qb.Push(ctx, workItemFor(j.desc, j.nodes, origin).Item()); err != nil {
		return failed(id, err)
	}
	e.transition(j, jobregistry.JobStateDelegated, "")
	e.logger.Info("job delegated",
		zap.String("job_id", id),
		zap.String("queue", string(j.qb.Kind())),
		zap.Strings("nodes", j.nodes))

	polls := e.metrics.polls.WithLabelValues(string(j.qb.Kind()))
	r, stats, err := retry.Poll(ctx, e.cfg.CompletionPoll, func(ctx context.Context, attempt int) (*queue.Result, bool, error) {
		polls.Inc()
		r, ok, err := j.results.PollResult(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !ok || !r.Terminal() {
			return nil, false, nil
		}
		return r, true, nil
	})
	if errors.Is(err, retry.ErrPollExhausted) {
		err = &faults.JobTimeoutError{JobID: id, Attempts: stats.Attempts}
	}
	if err != nil {
		return failed(id, err)
	}

	if r.Status == queue.StatusFailed {
		where := r.Node
		if where == "" {
			where = "worker"
		}
		return failed(id, fmt.Errorf("%w on %s: %s", ErrRemoteFailed, where, r.Error))
	}
	if err := j.sb.Put(ctx, j.v.output, r.Output); err != nil {
		return failed(id, err)
	}
	return succeeded(id, r.Output)
}

func (e *Engine) releaseNodes(j *job) {
	if e.cfg.Coordinator == nil || len(j.nodes) == 0 {
		return
	}
	// Release even when the job's context is gone; the nodes are still ours.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := e.cfg.Coordinator.ReleaseClaim(ctx, j.nodes, node.RoleCompute); err != nil {
		e.logger.Warn("release nodes", zap.String("job_id", j.desc.JobID), zap.Strings("nodes", j.nodes), zap.Error(err))
	}
}

func (e *Engine) releaseAndFail(j *job, err error) JobResult {
	e.releaseNodes(j)
	return failed(j.desc.JobID, err)
}

// abort ends a job that failed before execution.
func (e *Engine) abort(ctx context.Context, j *job, err error) JobResult {
	return e.finish(ctx, j, e.releaseAndFail(j, err))
}

// finish records the terminal result and wakes waiters.
func (e *Engine) finish(ctx context.Context, j *job, res JobResult) JobResult {
	id := j.desc.JobID
	res.Nodes = j.nodes

	if j.recorded {
		state := jobregistry.JobStateSucceeded
		if res.Status == StatusFailed {
			state = jobregistry.JobStateFailed
		}
		if _, err := e.cfg.Jobs.Transition(id, state, res.ErrorDetail); err != nil {
			e.logger.Warn("record job result", zap.String("job_id", id), zap.Error(err))
		}
	}

	typ := "invalid"
	if t, err := ParseJobType(string(j.desc.Type)); err == nil {
		typ = string(t)
	}
	elapsed := e.clock.Since(j.desc.ReceivedAt)
	e.metrics.jobs.WithLabelValues(typ, string(res.Status), string(res.ErrorClass)).Inc()
	e.metrics.jobDuration.WithLabelValues(typ).Observe(elapsed.Seconds())

	e.recordHistory(ctx, j, res)

	if e.cfg.Records != nil {
		rec := &output.ResultRecord{
			JobID:       id,
			Status:      string(res.Status),
			Output:      string(res.Output),
			ErrorDetail: res.ErrorDetail,
			ErrorClass:  string(res.ErrorClass),
			Duration:    elapsed,
		}
		if err := e.cfg.Records.WriteResult(ctx, rec); err != nil {
			e.logger.Warn("write result record", zap.String("job_id", id), zap.Error(err))
		}
	}

	if res.Status == StatusFailed {
		e.logger.Warn("job failed",
			zap.String("job_id", id),
			zap.String("error_class", string(res.ErrorClass)),
			zap.Error(res.Err))
	} else {
		e.logger.Info("job succeeded", zap.String("job_id", id), zap.Duration("elapsed", elapsed))
	}

	if j.registered {
		e.mu.Lock()
		done := e.pending[id]
		delete(e.pending, id)
		e.results[id] = res
		close(done)
		e.mu.Unlock()
		e.metrics.inFlight.Dec()
		if j.background {
			e.wg.Done()
		}
	}
	return res
}

// transition records a state change on the job record; failures to record
// are logged and do not fail the job.
func (e *Engine) transition(j *job, state jobregistry.JobState, msg string) {
	if !j.recorded {
		return
	}
	if _, err := e.cfg.Jobs.Transition(j.desc.JobID, state, msg); err != nil {
		e.logger.Warn("record job transition",
			zap.String("job_id", j.desc.JobID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

func (e *Engine) emitDisposition(ctx context.Context, s Submission) {
	if e.cfg.Records == nil {
		return
	}
	err := e.cfg.Records.WriteDisposition(ctx, &output.DispositionRecord{
		JobID:       s.JobID,
		Disposition: string(s.Disposition),
		Nodes:       s.Nodes,
		Error:       s.ErrorDetail,
	})
	if err != nil {
		e.logger.Warn("write disposition record", zap.String("job_id", s.JobID), zap.Error(err))
	}
}
