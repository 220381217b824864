// Package preflight decides whether a job may be staged: its code and inputs
// must exist and its output location must still be free.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/output"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// ErrNotAdmitted is wrapped by every admission refusal.
var ErrNotAdmitted = errors.New("job not admitted")

// Check names are stable strings used in JSONL output.
const (
	CheckCodeExists   = "code.exists"
	CheckInputExists  = "input.exists"
	CheckOutputAbsent = "output.absent"
)

// Existence is the subset of storage.Backend that admission needs.
type Existence interface {
	Exists(ctx context.Context, u storage.URI) (bool, error)
}

// Job is what admission looks at.
type Job struct {
	JobID  string
	Code   storage.URI
	Inputs []storage.URI
	Output storage.URI
}

// CanRunJob runs every check and returns the full record. The error is nil
// when the job is admitted. A refusal is a PermanentBackendError wrapping
// ErrNotAdmitted; a backend failure is returned as the backend reported it.
func CanRunJob(ctx context.Context, b Existence, job Job) (*output.PreflightRecord, error) {
	rec := &output.PreflightRecord{
		JobID:   job.JobID,
		Allowed: true,
		Results: []output.PreflightCheckResult{},
	}

	var refusals []string
	check := func(name string, u storage.URI, wantExists bool) error {
		ok, err := b.Exists(ctx, u)
		if err != nil {
			rec.Allowed = false
			rec.Results = append(rec.Results, output.PreflightCheckResult{
				Check:     name,
				URI:       u.String(),
				ErrorCode: normalizeErrorCode(err),
				Detail:    err.Error(),
			})
			return err
		}
		res := output.PreflightCheckResult{Check: name, URI: u.String(), Passed: ok == wantExists}
		if !res.Passed {
			rec.Allowed = false
			if wantExists {
				res.ErrorCode = output.ErrCodeNotFound
				refusals = append(refusals, fmt.Sprintf("%s does not exist", u))
			} else {
				res.ErrorCode = output.ErrCodeAlreadyExists
				refusals = append(refusals, fmt.Sprintf("%s already exists", u))
			}
		}
		rec.Results = append(rec.Results, res)
		return nil
	}

	if err := check(CheckCodeExists, job.Code, true); err != nil {
		return rec, err
	}
	for _, in := range job.Inputs {
		if err := check(CheckInputExists, in, true); err != nil {
			return rec, err
		}
	}
	if err := check(CheckOutputAbsent, job.Output, false); err != nil {
		return rec, err
	}

	if len(refusals) > 0 {
		return rec, faults.Permanent("preflight",
			fmt.Errorf("%w: %s", ErrNotAdmitted, strings.Join(refusals, "; ")))
	}
	return rec, nil
}

func normalizeErrorCode(err error) string {
	switch {
	case storage.IsAccessDenied(err), errors.Is(err, storage.ErrInvalidCredentials):
		return output.ErrCodeAccessDenied
	case storage.IsBucketNotFound(err), storage.IsNotFound(err):
		return output.ErrCodeNotFound
	case errors.Is(err, storage.ErrThrottled):
		return output.ErrCodeThrottled
	case errors.Is(err, context.DeadlineExceeded):
		return output.ErrCodeTimeout
	case faults.IsConfiguration(err):
		return output.ErrCodeConfiguration
	default:
		return output.ErrCodeInternal
	}
}
