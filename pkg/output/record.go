// Package output provides JSONL output for dispatch runs.
//
// Output is structured as typed record envelopes containing dispositions,
// job results, preflight outcomes, node entries and errors. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/gocumulus/pkg/node"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gocumulus.<type>.v<version>
const (
	// TypeDisposition identifies the dispatch decision for one job.
	TypeDisposition = "gocumulus.disposition.v1"

	// TypeResult identifies terminal job results.
	TypeResult = "gocumulus.result.v1"

	// TypeError identifies error records.
	TypeError = "gocumulus.error.v1"

	// TypeSummary identifies final batch summaries.
	TypeSummary = "gocumulus.summary.v1"

	// TypePreflight identifies admission check records.
	TypePreflight = "gocumulus.preflight.v1"

	// TypeNode identifies node table entries.
	TypeNode = "gocumulus.node.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gocumulus.result.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// BatchID correlates every record written for one submission.
	BatchID string `json:"batch_id,omitempty"`

	// JobID is the job the record is about, if any.
	JobID string `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// DispositionRecord is the synchronous dispatch decision for one job.
type DispositionRecord struct {
	JobID       string   `json:"job_id"`
	Disposition string   `json:"disposition"`
	Nodes       []string `json:"nodes,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ResultRecord is the terminal outcome of one job.
type ResultRecord struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Output      string `json:"output,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	ErrorClass  string `json:"error_class,omitempty"`

	// Duration is the wall time from receipt to the terminal state.
	Duration time.Duration `json:"duration_ns"`

	// Nodes and FinishedAt are set when the record is read back from history.
	Nodes      []string   `json:"nodes,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PreflightRecord is the data payload for admission checks.
//
// Preflight records are emitted before staging. They state what was
// checked and whether the job may proceed.
type PreflightRecord struct {
	JobID   string                 `json:"job_id"`
	Allowed bool                   `json:"allowed"`
	Results []PreflightCheckResult `json:"results"`
}

// PreflightCheckResult is a single check.
type PreflightCheckResult struct {
	Check     string `json:"check"`
	URI       string `json:"uri,omitempty"`
	Passed    bool   `json:"passed"`
	ErrorCode string `json:"error_code,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// NodeRecord is one node table entry.
type NodeRecord struct {
	PublicIP        string     `json:"public_ip"`
	PrivateIP       string     `json:"private_ip,omitempty"`
	Roles           []string   `json:"roles"`
	InstanceID      string     `json:"instance_id,omitempty"`
	CloudTag        string     `json:"cloud_tag,omitempty"`
	CreationTime    *time.Time `json:"creation_time,omitempty"`
	DestructionTime *time.Time `json:"destruction_time,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire batch,
// so one bad job does not hide the others.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// URI is the storage location related to this error, if applicable.
	URI string `json:"uri,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord and PreflightCheckResult.
const (
	// ErrCodeAccessDenied indicates permission failure.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// ErrCodeNotFound indicates the object or bucket was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeAlreadyExists indicates an output location is already taken.
	ErrCodeAlreadyExists = "ALREADY_EXISTS"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeThrottled indicates rate limiting.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeConfiguration indicates invalid backend names or credentials.
	ErrCodeConfiguration = "CONFIGURATION"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final batch summaries.
type SummaryRecord struct {
	Jobs      int `json:"jobs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Delegated int `json:"delegated"`

	// Duration is the total batch duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// NodeRecordFrom converts a node table entry.
func NodeRecordFrom(r *node.Record) *NodeRecord {
	roles := make([]string, 0, len(r.Roles()))
	for _, role := range r.Roles() {
		roles = append(roles, string(role))
	}
	return &NodeRecord{
		PublicIP:        r.PublicIP,
		PrivateIP:       r.PrivateIP,
		Roles:           roles,
		InstanceID:      r.InstanceID,
		CloudTag:        r.CloudTag,
		CreationTime:    r.CreationTime,
		DestructionTime: r.DestructionTime,
	}
}
