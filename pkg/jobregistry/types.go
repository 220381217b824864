package jobregistry

import "time"

// JobState is the lifecycle state of a dispatched job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateReceived  JobState = "received"
	JobStateValidated JobState = "validated"
	JobStateStaged    JobState = "staged"
	JobStateExecuting JobState = "executing"
	JobStateDelegated JobState = "delegated"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateUnknown   JobState = "unknown"
)

// Terminal reports whether no further transitions follow s.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Backends is the string-only summary of which backends a job used. Credentials
// are never persisted.
type Backends struct {
	Storage string `json:"storage,omitempty"`
	Queue   string `json:"queue,omitempty"`
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID          string    `json:"job_id"`
	Type           string    `json:"type"`
	State          JobState  `json:"state"`
	CodeLocation   string    `json:"code_location"`
	OutputLocation string    `json:"output_location"`
	Backends       Backends  `json:"backends"`
	Nodes          []string  `json:"nodes,omitempty"`
	PID            int       `json:"pid,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}
