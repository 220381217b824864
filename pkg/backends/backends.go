// Package backends turns a declared backend name plus credentials into a
// ready storage or queue backend.
//
// NewStorage and NewQueue are pure constructors: nothing is registered
// globally, and an unknown name or a missing credential field is rejected
// before any network call. Cache reuses instances for identical credential
// sets.
package backends

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/queue/kafka"
	"github.com/3leaps/gocumulus/pkg/queue/taskq"
	"github.com/3leaps/gocumulus/pkg/retry"
	"github.com/3leaps/gocumulus/pkg/storage"
	"github.com/3leaps/gocumulus/pkg/storage/azure"
	"github.com/3leaps/gocumulus/pkg/storage/file"
	"github.com/3leaps/gocumulus/pkg/storage/gcs"
	"github.com/3leaps/gocumulus/pkg/storage/s3"
)

type options struct {
	logger      *zap.Logger
	policy      retry.Policy
	policySet   bool
	httpClient  *http.Client
	deployer    taskq.Deployer
	liveness    retry.PollPolicy
	memoryQueue *queue.Memory
}

// Option customises construction.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPolicy sets the retry policy wrapped around every backend call.
func WithPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy, o.policySet = p, true }
}

// WithHTTPClient sets the client the taskq queue uses.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDeployer overrides how a missing taskq service is deployed. Without it
// the service is deployed only when TASKQ_DEPLOY=process.
func WithDeployer(d taskq.Deployer) Option {
	return func(o *options) { o.deployer = d }
}

// WithLiveness bounds the wait for a freshly deployed taskq service.
func WithLiveness(p retry.PollPolicy) Option {
	return func(o *options) { o.liveness = p }
}

// WithMemoryQueue makes the "memory" kind resolve to q, so a dispatcher and
// an in-process worker can share it.
func WithMemoryQueue(q *queue.Memory) Option {
	return func(o *options) { o.memoryQueue = q }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// NewStorage resolves name to a storage kind, checks creds, and builds the
// driver and its retrying Backend.
func NewStorage(ctx context.Context, name string, creds storage.Credentials, opts ...Option) (*storage.Backend, error) {
	kind, err := storage.ParseKind(name)
	if err != nil {
		return nil, err
	}
	if err := storage.CheckCredentials(kind, creds); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	var driver storage.Driver
	switch kind {
	case storage.KindS3:
		driver, err = s3.New(ctx, s3.ConfigFromCredentials(creds))
	case storage.KindGCS:
		driver, err = gcs.New(ctx, gcs.ConfigFromCredentials(creds))
	case storage.KindAzure:
		driver, err = azure.New(azure.ConfigFromCredentials(creds))
	case storage.KindFile:
		driver, err = file.New(file.Config{Root: creds.Get(storage.CredFileRoot)})
	}
	if err != nil {
		return nil, faults.Configuration("storage", "credentials", err)
	}

	backendOpts := []storage.Option{storage.WithLogger(o.logger)}
	if o.policySet {
		backendOpts = append(backendOpts, storage.WithPolicy(o.policy))
	}
	return storage.NewBackend(driver, backendOpts...), nil
}

// NewQueue resolves name to a queue kind, checks creds, and builds the
// backend wrapped in the retry policy. For taskq this may deploy the
// companion service and wait for it.
func NewQueue(ctx context.Context, name string, creds queue.Credentials, opts ...Option) (queue.Backend, error) {
	kind, err := queue.ParseKind(name)
	if err != nil {
		return nil, err
	}
	if err := queue.CheckCredentials(kind, creds); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	var b queue.Backend
	switch kind {
	case queue.KindMemory:
		if o.memoryQueue != nil {
			b = o.memoryQueue
		} else {
			b = queue.NewMemory()
		}
	case queue.KindKafka:
		b, err = kafka.New(kafka.ConfigFromCredentials(creds), o.logger)
		if err != nil {
			return nil, faults.Configuration("queue", "credentials", err)
		}
	case queue.KindTaskQ:
		deployer := o.deployer
		if deployer == nil && creds.Get(queue.CredTaskQDeploy) == taskq.DeployProcess {
			deployer = taskq.ProcessDeployer{Logger: o.logger}
		}
		b, err = taskq.Connect(ctx, taskq.Config{
			URL:        creds.Get(queue.CredTaskQURL),
			HTTPClient: o.httpClient,
			Deployer:   deployer,
			Liveness:   o.liveness,
			Logger:     o.logger,
		})
		if err != nil {
			if queue.IsTransient(err) {
				return nil, &faults.TransientBackendError{Op: "taskq.connect", Attempts: 1, Err: err}
			}
			return nil, faults.Configuration("queue", queue.CredTaskQURL, err)
		}
	}

	policy := o.policy
	if !o.policySet {
		policy = retry.Fixed(retry.DefaultMaxAttempts, retry.DefaultDelay)
	}
	return queue.WithRetry(b, policy, o.logger), nil
}
