// Package faults defines the error taxonomy shared by every gocumulus
// component.
//
// Each class is a struct error that wraps the underlying cause, so callers can
// match both the class (errors.As) and the backend-specific sentinel
// (errors.Is) on the same value.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Class identifies which branch of the taxonomy an error belongs to.
type Class string

const (
	ClassNone                Class = ""
	ClassConfiguration       Class = "configuration"
	ClassTransient           Class = "transient"
	ClassPermanent           Class = "permanent"
	ClassCoordinationTimeout Class = "coordination_timeout"
	ClassJobTimeout          Class = "job_timeout"
	ClassUnknown             Class = "unknown"
)

// ConfigurationError reports missing or invalid credentials, backend names or
// settings. It is raised before any I/O and never retried.
type ConfigurationError struct {
	// Component names what was being configured (e.g. "storage", "queue").
	Component string

	// Field is the offending setting or credential key, if any.
	Field string

	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s config: %s: %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("%s config: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientBackendError is surfaced once the retry budget for a transient
// condition (connection reset, throttling, temporary unavailability) is spent.
type TransientBackendError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// PermanentBackendError carries an explicit backend refusal (permission
// denied, invalid name, missing object). It is never retried.
type PermanentBackendError struct {
	Op  string
	Err error
}

func (e *PermanentBackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PermanentBackendError) Unwrap() error { return e.Err }

// CoordinationTimeoutError means a cluster lock was not acquired in time.
type CoordinationTimeoutError struct {
	Lock     string
	Attempts int
	Waited   time.Duration
}

func (e *CoordinationTimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired after %d attempts (%s)", e.Lock, e.Attempts, e.Waited)
}

// JobTimeoutError means a delegated job did not reach a terminal state within
// its poll budget.
type JobTimeoutError struct {
	JobID    string
	Attempts int
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("job %s: no terminal status after %d polls", e.JobID, e.Attempts)
}

// Configuration builds a ConfigurationError.
func Configuration(component, field string, err error) error {
	return &ConfigurationError{Component: component, Field: field, Err: err}
}

// Permanent wraps err as a PermanentBackendError unless it already carries a
// taxonomy class.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	if c := Classify(err); c != ClassUnknown && c != ClassNone {
		return err
	}
	return &PermanentBackendError{Op: op, Err: err}
}

// Classify returns the taxonomy class of err.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var cfgErr *ConfigurationError
	var transientErr *TransientBackendError
	var permanentErr *PermanentBackendError
	var coordErr *CoordinationTimeoutError
	var jobErr *JobTimeoutError

	switch {
	case errors.As(err, &cfgErr):
		return ClassConfiguration
	case errors.As(err, &coordErr):
		return ClassCoordinationTimeout
	case errors.As(err, &jobErr):
		return ClassJobTimeout
	case errors.As(err, &transientErr):
		return ClassTransient
	case errors.As(err, &permanentErr):
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool { return Classify(err) == ClassConfiguration }

// IsTransient reports whether err is an exhausted TransientBackendError.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }

// IsPermanent reports whether err is a PermanentBackendError.
func IsPermanent(err error) bool { return Classify(err) == ClassPermanent }

// IsCoordinationTimeout reports whether err is a CoordinationTimeoutError.
func IsCoordinationTimeout(err error) bool { return Classify(err) == ClassCoordinationTimeout }

// IsJobTimeout reports whether err is a JobTimeoutError.
func IsJobTimeout(err error) bool { return Classify(err) == ClassJobTimeout }
