// Package manifest loads batch manifests: YAML or JSON files listing the
// jobs of one submission.
//
// Manifests are validated against an embedded JSON Schema before they are
// parsed, so unknown fields and malformed storage URIs are rejected up front.
// Fields under defaults apply to every job that does not set them itself.
// Credential values may reference the environment as ${VAR}.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  storage_backend_name: s3
//	  storage_credentials:
//	    EC2_ACCESS_KEY: ${AWS_ACCESS_KEY_ID}
//	    EC2_SECRET_KEY: ${AWS_SECRET_ACCESS_KEY}
//	    S3_URL: https://s3.amazonaws.com
//	  queue_backend_name: kafka
//	  queue_credentials:
//	    KAFKA_BROKERS: broker-1:9092
//	    KAFKA_TOPIC: gocumulus-jobs
//	jobs:
//	  - job_type: remote-queue-exec
//	    code_location: /jobs/code/wordcount.py
//	    inputs: [/jobs/input/corpus.txt]
//	    argv: [/jobs/input/corpus.txt]
//	    output_location: /jobs/output/wordcount.txt
//	    max_nodes: 2
package manifest

import (
	"os"
	"time"

	"github.com/3leaps/gocumulus/pkg/dispatch"
)

// Manifest is a validated batch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Defaults JobSpec      `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Output   OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
	Jobs     []JobSpec    `json:"jobs" yaml:"jobs"`
}

// JobSpec is one job entry, or the defaults shared by all entries.
type JobSpec struct {
	JobID              string            `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	JobType            string            `json:"job_type,omitempty" yaml:"job_type,omitempty"`
	CodeLocation       string            `json:"code_location,omitempty" yaml:"code_location,omitempty"`
	Inputs             []string          `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Argv               []string          `json:"argv,omitempty" yaml:"argv,omitempty"`
	StorageBackend     string            `json:"storage_backend_name,omitempty" yaml:"storage_backend_name,omitempty"`
	QueueBackend       string            `json:"queue_backend_name,omitempty" yaml:"queue_backend_name,omitempty"`
	StorageCredentials map[string]string `json:"storage_credentials,omitempty" yaml:"storage_credentials,omitempty"`
	QueueCredentials   map[string]string `json:"queue_credentials,omitempty" yaml:"queue_credentials,omitempty"`
	OutputLocation     string            `json:"output_location,omitempty" yaml:"output_location,omitempty"`
	MaxNodes           int               `json:"max_nodes,omitempty" yaml:"max_nodes,omitempty"`
	CloudTag           string            `json:"cloud_tag,omitempty" yaml:"cloud_tag,omitempty"`
}

// OutputConfig configures where submit writes its JSONL records.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/output.jsonl".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Wait makes submit block for terminal results. Default: true.
	Wait *bool `json:"wait,omitempty" yaml:"wait,omitempty"`
}

// Default values for optional configuration fields.
const (
	DefaultVersion     = "1.0"
	DefaultDestination = "stdout"
	DefaultJobType     = string(dispatch.TypeLocal)
	DefaultMaxNodes    = 1
	DefaultWait        = true
)

// ApplyDefaults fills optional fields. It is called by the loaders after
// validation.
func (m *Manifest) ApplyDefaults() {
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.Wait == nil {
		wait := DefaultWait
		m.Output.Wait = &wait
	}
	if m.Defaults.JobType == "" {
		m.Defaults.JobType = DefaultJobType
	}
	if m.Defaults.MaxNodes == 0 {
		m.Defaults.MaxNodes = DefaultMaxNodes
	}
}

// WaitEnabled reports whether submit should wait for terminal results.
func (o *OutputConfig) WaitEnabled() bool {
	if o.Wait == nil {
		return DefaultWait
	}
	return *o.Wait
}

// Descriptors merges every job with the defaults and returns the dispatch
// descriptors in manifest order. Credential values are expanded against the
// environment.
func (m *Manifest) Descriptors(receivedAt time.Time) []dispatch.JobDescriptor {
	return m.descriptors(receivedAt, os.Getenv)
}

func (m *Manifest) descriptors(receivedAt time.Time, getenv func(string) string) []dispatch.JobDescriptor {
	out := make([]dispatch.JobDescriptor, 0, len(m.Jobs))
	for _, j := range m.Jobs {
		merged := j.withDefaults(m.Defaults)
		out = append(out, dispatch.JobDescriptor{
			JobID:              merged.JobID,
			Type:               dispatch.JobType(merged.JobType),
			CodeLocation:       merged.CodeLocation,
			Inputs:             merged.Inputs,
			Argv:               merged.Argv,
			StorageBackend:     merged.StorageBackend,
			QueueBackend:       merged.QueueBackend,
			StorageCredentials: expand(merged.StorageCredentials, getenv),
			QueueCredentials:   expand(merged.QueueCredentials, getenv),
			OutputLocation:     merged.OutputLocation,
			MaxNodes:           merged.MaxNodes,
			CloudTag:           merged.CloudTag,
			ReceivedAt:         receivedAt,
		})
	}
	return out
}

// withDefaults fills every unset field of j from d. Credential maps are
// merged key by key, the job's own keys winning.
func (j JobSpec) withDefaults(d JobSpec) JobSpec {
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	j.JobType = pick(j.JobType, d.JobType)
	j.CodeLocation = pick(j.CodeLocation, d.CodeLocation)
	j.StorageBackend = pick(j.StorageBackend, d.StorageBackend)
	j.QueueBackend = pick(j.QueueBackend, d.QueueBackend)
	j.OutputLocation = pick(j.OutputLocation, d.OutputLocation)
	j.CloudTag = pick(j.CloudTag, d.CloudTag)
	if j.Inputs == nil {
		j.Inputs = d.Inputs
	}
	if j.Argv == nil {
		j.Argv = d.Argv
	}
	if j.MaxNodes == 0 {
		j.MaxNodes = d.MaxNodes
	}
	j.StorageCredentials = mergeCreds(d.StorageCredentials, j.StorageCredentials)
	j.QueueCredentials = mergeCreds(d.QueueCredentials, j.QueueCredentials)
	return j
}

func mergeCreds(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func expand(creds map[string]string, getenv func(string) string) map[string]string {
	if creds == nil {
		return nil
	}
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		out[k] = os.Expand(v, getenv)
	}
	return out
}
