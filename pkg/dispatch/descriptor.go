package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// JobType selects where a job runs.
type JobType string

const (
	TypeLocal  JobType = "local-exec"
	TypeRemote JobType = "remote-queue-exec"
)

// ParseJobType validates a job type name.
func ParseJobType(s string) (JobType, error) {
	switch t := JobType(strings.TrimSpace(s)); t {
	case TypeLocal, TypeRemote:
		return t, nil
	}
	return "", fmt.Errorf("%w: job_type %q", ErrInvalidJob, s)
}

// JobDescriptor is one unit of submitted work.
type JobDescriptor struct {
	// JobID is assigned on receipt when empty.
	JobID string `json:"job_id,omitempty" yaml:"job_id,omitempty"`

	Type         JobType  `json:"job_type" yaml:"job_type"`
	CodeLocation string   `json:"code_location" yaml:"code_location"`
	Inputs       []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Argv         []string `json:"argv,omitempty" yaml:"argv,omitempty"`

	StorageBackend     string            `json:"storage_backend_name" yaml:"storage_backend_name"`
	QueueBackend       string            `json:"queue_backend_name,omitempty" yaml:"queue_backend_name,omitempty"`
	StorageCredentials map[string]string `json:"storage_credentials,omitempty" yaml:"storage_credentials,omitempty"`

	// QueueCredentials default to StorageCredentials.
	QueueCredentials map[string]string `json:"queue_credentials,omitempty" yaml:"queue_credentials,omitempty"`

	OutputLocation string `json:"output_location" yaml:"output_location"`

	// MaxNodes defaults to 1.
	MaxNodes int `json:"max_nodes,omitempty" yaml:"max_nodes,omitempty"`

	// CloudTag restricts claimed nodes to one provider tag.
	CloudTag string `json:"cloud_tag,omitempty" yaml:"cloud_tag,omitempty"`

	ReceivedAt time.Time `json:"received_at" yaml:"received_at,omitempty"`
}

func (d *JobDescriptor) queueCredentials() queue.Credentials {
	if len(d.QueueCredentials) > 0 {
		return queue.Credentials(d.QueueCredentials)
	}
	return queue.Credentials(d.StorageCredentials)
}

// Status is the state a JobResult reports.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"

	// StatusDelegated marks a job handed to the cluster that has not
	// finished yet.
	StatusDelegated Status = "delegated"
)

// JobResult is the outcome of one job. Output is set only on success and
// ErrorDetail only on failure.
type JobResult struct {
	JobID       string       `json:"job_id"`
	Status      Status       `json:"status"`
	Output      []byte       `json:"output,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
	ErrorClass  faults.Class `json:"error_class,omitempty"`
	Nodes       []string     `json:"nodes,omitempty"`

	// Err is the underlying error for in-process callers.
	Err error `json:"-"`
}

func succeeded(jobID string, output []byte) JobResult {
	return JobResult{JobID: jobID, Status: StatusSucceeded, Output: output}
}

func failed(jobID string, err error) JobResult {
	return JobResult{
		JobID:       jobID,
		Status:      StatusFailed,
		ErrorDetail: err.Error(),
		ErrorClass:  faults.Classify(err),
		Err:         err,
	}
}

// Disposition is the synchronous dispatch decision for a submitted job.
type Disposition string

const (
	DispositionLocal     Disposition = "local"
	DispositionDelegated Disposition = "delegated"
	DispositionParallel  Disposition = "parallel"
	DispositionRejected  Disposition = "rejected"
)

// Submission is returned by Submit for each job, in order.
type Submission struct {
	JobID       string      `json:"job_id"`
	Disposition Disposition `json:"disposition"`
	Nodes       []string    `json:"nodes,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	ErrorClass  faults.Class `json:"error_class,omitempty"`
}

var (
	// ErrBadSecret rejects a whole submission.
	ErrBadSecret = errors.New("bad secret")

	// ErrInvalidJob marks a structurally invalid descriptor.
	ErrInvalidJob = errors.New("invalid job")
)

// validated is a descriptor that passed structural checks, with its URIs
// parsed and backend kinds resolved.
type validated struct {
	desc   JobDescriptor
	code   storage.URI
	inputs []storage.URI
	output storage.URI
}

// validate runs every structural check. It makes no backend calls, so an
// unknown backend name is rejected before any factory runs.
func validate(d JobDescriptor) (*validated, error) {
	invalid := func(field string, err error) error {
		return faults.Configuration("job", field, err)
	}

	t, err := ParseJobType(string(d.Type))
	if err != nil {
		return nil, invalid("job_type", err)
	}
	d.Type = t
	if d.MaxNodes == 0 {
		d.MaxNodes = 1
	}
	if d.MaxNodes < 0 {
		return nil, invalid("max_nodes", fmt.Errorf("%w: max_nodes must be positive, got %d", ErrInvalidJob, d.MaxNodes))
	}

	v := &validated{desc: d}
	if v.code, err = storage.ParseURI(d.CodeLocation); err != nil {
		return nil, invalid("code_location", err)
	}
	if v.output, err = storage.ParseURI(d.OutputLocation); err != nil {
		return nil, invalid("output_location", err)
	}
	for _, in := range d.Inputs {
		u, err := storage.ParseURI(in)
		if err != nil {
			return nil, invalid("inputs", err)
		}
		v.inputs = append(v.inputs, u)
	}

	kind, err := storage.ParseKind(d.StorageBackend)
	if err != nil {
		return nil, err
	}
	if err := storage.CheckCredentials(kind, d.StorageCredentials); err != nil {
		return nil, err
	}

	if t == TypeRemote {
		if strings.TrimSpace(d.QueueBackend) == "" {
			return nil, invalid("queue_backend_name", fmt.Errorf("%w: remote jobs need a queue backend", ErrInvalidJob))
		}
		qkind, err := queue.ParseKind(d.QueueBackend)
		if err != nil {
			return nil, err
		}
		if err := queue.CheckCredentials(qkind, d.queueCredentials()); err != nil {
			return nil, err
		}
	}
	return v, nil
}
