// Package storage defines the uniform object-storage surface used to stage job
// code, inputs and outputs.
//
// A Driver is the thin per-service adapter (S3, GCS, Azure, local files). A
// Backend wraps one Driver with the bounded retry policy, directory recursion,
// idempotent local fetches and ACL pass-through, so every service behaves the
// same from the dispatcher's point of view.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/gocumulus/pkg/faults"
)

// Kind is the closed set of storage services.
type Kind string

const (
	KindS3    Kind = "s3"
	KindGCS   Kind = "gcs"
	KindAzure Kind = "azure"
	KindFile  Kind = "file"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Credential keys understood by the storage drivers.
const (
	CredS3AccessKey    = "EC2_ACCESS_KEY"
	CredS3SecretKey    = "EC2_SECRET_KEY"
	CredS3URL          = "S3_URL"
	CredS3Region       = "S3_REGION"
	CredGCSCredentials = "GCS_CREDENTIALS_JSON"
	CredGCSProject     = "GCS_PROJECT_ID"
	CredAzureAccount   = "AZURE_STORAGE_ACCOUNT_NAME"
	CredAzureAccessKey = "AZURE_STORAGE_ACCESS_KEY"
	CredAzureURL       = "AZURE_STORAGE_URL"
	CredFileRoot       = "FILE_ROOT"

	// DefaultAWSS3URL is the S3_URL value that selects AWS itself rather than
	// an S3-compatible endpoint.
	DefaultAWSS3URL = "https://s3.amazonaws.com"
)

const component = "storage"

var requiredCredentials = map[Kind][]string{
	KindS3:    {CredS3AccessKey, CredS3SecretKey, CredS3URL},
	KindGCS:   {CredGCSCredentials},
	KindAzure: {CredAzureAccount, CredAzureAccessKey},
	KindFile:  {CredFileRoot},
}

// Kinds returns every supported kind in stable order.
func Kinds() []Kind {
	return []Kind{KindS3, KindGCS, KindAzure, KindFile}
}

// ParseKind resolves a backend name. Unknown names yield a
// ConfigurationError wrapping ErrUnsupportedBackend.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := requiredCredentials[k]; ok {
		return k, nil
	}
	return "", faults.Configuration(component, "backend",
		fmt.Errorf("%w: %q", ErrUnsupportedBackend, name))
}

// RequiredCredentials lists the credential keys k needs.
func (k Kind) RequiredCredentials() []string {
	req := requiredCredentials[k]
	out := make([]string, len(req))
	copy(out, req)
	return out
}

// Credentials is the opaque key/value credential set attached to a job.
type Credentials map[string]string

// Get returns the trimmed value for key.
func (c Credentials) Get(key string) string {
	return strings.TrimSpace(c[key])
}

// Clone returns an independent copy.
func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// CheckCredentials rejects a credential set that misses any field k requires.
// Missing fields are reported in sorted order so the error is stable.
func CheckCredentials(k Kind, creds Credentials) error {
	var missing []string
	for _, key := range k.RequiredCredentials() {
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

// ACL is an object access policy. Only the two values below are valid.
type ACL string

const (
	ACLPrivate ACL = "private"
	ACLPublic  ACL = "public"
)

// ParseACL validates an ACL name.
func ParseACL(s string) (ACL, error) {
	switch ACL(strings.ToLower(strings.TrimSpace(s))) {
	case ACLPrivate:
		return ACLPrivate, nil
	case ACLPublic:
		return ACLPublic, nil
	}
	return "", faults.Configuration(component, "acl", fmt.Errorf("%w: %q", ErrInvalidACL, s))
}

// ObjectInfo is the metadata the drivers report for one object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Driver adapts one storage service. Implementations must be safe for
// concurrent use and should map service errors onto this package's sentinels.
type Driver interface {
	Kind() Kind

	// BucketExists reports whether the bucket/container exists.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// Stat returns object metadata or an error wrapping ErrNotFound.
	Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// List returns every object under prefix.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	Read(ctx context.Context, bucket, key string) ([]byte, error)
	Write(ctx context.Context, bucket, key string, data []byte) error

	Close() error
}

// ACLDriver is implemented by drivers whose service has an access-control
// primitive.
type ACLDriver interface {
	GetACL(ctx context.Context, bucket, key string) (ACL, error)
	SetACL(ctx context.Context, bucket, key string, acl ACL) error
}

// TransientDeclarer lets a driver declare which sentinel errors are worth
// retrying. Drivers that do not implement it get DefaultTransientErrors.
type TransientDeclarer interface {
	TransientErrors() []error
}

// DefaultTransientErrors is the retryable set for drivers that declare none.
func DefaultTransientErrors() []error {
	return []error{ErrConnectionReset, ErrUnavailable, ErrThrottled}
}
