// Package queue defines the uniform push/pop/size surface over the message
// queues that carry delegated work items to remote nodes.
//
// Items are flat JSON objects. Pop never fails on an empty queue or on a
// malformed payload: both come back as "absent" so one bad message cannot
// stall a consumer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/gocumulus/pkg/faults"
)

// Kind is the closed set of queue services.
type Kind string

const (
	KindMemory Kind = "memory"
	KindKafka  Kind = "kafka"
	KindTaskQ  Kind = "taskq"
)

func (k Kind) String() string { return string(k) }

// Credential keys understood by the queue backends.
const (
	CredKafkaBrokers = "KAFKA_BROKERS"
	CredKafkaTopic   = "KAFKA_TOPIC"
	CredKafkaGroupID = "KAFKA_GROUP_ID"
	CredTaskQURL     = "TASKQ_URL"
	CredTaskQDeploy  = "TASKQ_DEPLOY"
)

const component = "queue"

var requiredCredentials = map[Kind][]string{
	KindMemory: nil,
	KindKafka:  {CredKafkaBrokers, CredKafkaTopic},
	KindTaskQ:  {CredTaskQURL},
}

var (
	// ErrInvalidItem is returned by Push for an item that is not a flat,
	// JSON-encodable mapping with non-empty keys.
	ErrInvalidItem = errors.New("invalid queue item")

	// ErrUnsupportedBackend indicates an unknown queue kind name.
	ErrUnsupportedBackend = errors.New("unsupported queue backend")

	// ErrInvalidCredentials indicates missing credential fields.
	ErrInvalidCredentials = errors.New("invalid queue credentials")

	// ErrUnavailable indicates the queue service could not be reached or
	// answered with a server-side failure.
	ErrUnavailable = errors.New("queue unavailable")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("queue closed")
)

// Kinds returns every supported kind in stable order.
func Kinds() []Kind {
	return []Kind{KindMemory, KindKafka, KindTaskQ}
}

// ParseKind resolves a queue backend name.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := requiredCredentials[k]; ok {
		return k, nil
	}
	return "", faults.Configuration(component, "backend",
		fmt.Errorf("%w: %q", ErrUnsupportedBackend, name))
}

// Credentials is the key/value credential set attached to a job.
type Credentials map[string]string

func (c Credentials) Get(key string) string {
	return strings.TrimSpace(c[key])
}

// CheckCredentials rejects a credential set that misses any field k requires.
func CheckCredentials(k Kind, creds Credentials) error {
	var missing []string
	for _, key := range requiredCredentials[k] {
		if creds.Get(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return faults.Configuration(component, strings.Join(missing, ","),
		fmt.Errorf("%w: %s backend requires %s", ErrInvalidCredentials, k, strings.Join(missing, ", ")))
}

// Item is one work item: a flat mapping from string keys to JSON values.
type Item map[string]any

// Backend is one queue service.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	Kind() Kind

	// Push serialises item and enqueues it.
	Push(ctx context.Context, item Item) error

	// Pop dequeues one item. ok is false when the queue is empty or the
	// dequeued payload was not a valid item.
	Pop(ctx context.Context) (item Item, ok bool, err error)

	// Size is a best-effort count; 0 when the backend cannot tell cheaply.
	Size(ctx context.Context) (int, error)

	Close() error
}

// Status is the terminal state a worker reports for a delegated job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result is what a worker publishes when a delegated job finishes.
type Result struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
	Output []byte `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Node   string `json:"node,omitempty"`
}

// Terminal reports whether r carries a final status.
func (r Result) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// ResultChannel carries results back from workers to the dispatcher that
// pushed the job.
type ResultChannel interface {
	PublishResult(ctx context.Context, r Result) error

	// PollResult checks once for the result of jobID. ok is false while the
	// job has not finished.
	PollResult(ctx context.Context, jobID string) (r *Result, ok bool, err error)
}
