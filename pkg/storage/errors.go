package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound indicates the bucket or container does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates missing or rejected credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the service is temporarily unavailable.
	ErrUnavailable = errors.New("storage service unavailable")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrConnectionReset indicates the transport dropped the connection.
	ErrConnectionReset = errors.New("connection reset")

	// ErrUnsupportedBackend indicates an unknown backend name.
	ErrUnsupportedBackend = errors.New("unsupported storage backend")

	// ErrUnsupportedOperation indicates the backend has no such primitive (e.g. ACLs).
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrInvalidACL indicates an ACL other than "public" or "private".
	ErrInvalidACL = errors.New("invalid acl")

	// ErrIsDirectory indicates a byte read addressed a directory prefix.
	ErrIsDirectory = errors.New("uri addresses a directory")
)

// ObjectError wraps driver errors with the operation context.
type ObjectError struct {
	// Op is the operation that failed (e.g., "Read", "Stat").
	Op string

	// Backend is the storage kind.
	Backend Kind

	Bucket string
	Key    string

	// Err is the underlying error; it wraps one of the sentinels above when
	// the driver could classify it.
	Err error
}

// Error implements the error interface.
func (e *ObjectError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ObjectError) Unwrap() error {
	return e.Err
}

// UploadError reports a directory upload where some files failed. Files that
// were written before the failure stay written.
type UploadError struct {
	Failed []string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload: %d file(s) failed: %v", len(e.Failed), e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsUnsupportedOperation returns true if the backend lacks the primitive.
func IsUnsupportedOperation(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

// Wrap tags err with sentinel while keeping the original error in the chain.
func Wrap(sentinel, err error) error {
	if err == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// ClassifyTransport maps low-level transport failures onto the transient
// sentinels. It returns nil when err is not a transport failure.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ErrConnectionReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrUnavailable
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrUnavailable
	}
	return nil
}
