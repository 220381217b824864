// Package gcs implements the storage driver for Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/3leaps/gocumulus/pkg/storage"
)

// Config configures a GCS driver.
type Config struct {
	// CredentialsJSON is a service account key, either inline JSON or a path
	// to a key file. Empty uses application default credentials.
	CredentialsJSON string

	// ProjectID is informational; object calls do not need it.
	ProjectID string

	// Endpoint overrides the API endpoint, for emulators.
	Endpoint string
}

// ConfigFromCredentials maps a job credential set onto a Config.
func ConfigFromCredentials(creds storage.Credentials) Config {
	return Config{
		CredentialsJSON: creds.Get(storage.CredGCSCredentials),
		ProjectID:       creds.Get(storage.CredGCSProject),
	}
}

func (c Config) clientOptions() ([]option.ClientOption, error) {
	var opts []option.ClientOption
	switch raw := strings.TrimSpace(c.CredentialsJSON); {
	case raw == "":
	case strings.HasPrefix(raw, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(raw)))
	default:
		data, err := os.ReadFile(raw)
		if err != nil {
			return nil, fmt.Errorf("gcs config: read credentials file: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(data))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint), option.WithoutAuthentication())
	}
	return opts, nil
}

// Driver implements storage.Driver for GCS.
type Driver struct {
	client *gcs.Client
}

var (
	_ storage.Driver            = (*Driver)(nil)
	_ storage.ACLDriver         = (*Driver)(nil)
	_ storage.TransientDeclarer = (*Driver)(nil)
)

func New(ctx context.Context, cfg Config) (*Driver, error) {
	opts, err := cfg.clientOptions()
	if err != nil {
		return nil, err
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, &storage.ObjectError{Op: "New", Backend: storage.KindGCS, Err: err}
	}
	// Retries are owned by storage.Backend.
	client.SetRetry(gcs.WithPolicy(gcs.RetryNever))
	return &Driver{client: client}, nil
}

func (d *Driver) Kind() storage.Kind { return storage.KindGCS }

func (d *Driver) Close() error { return d.client.Close() }

func (d *Driver) TransientErrors() []error {
	return []error{storage.ErrConnectionReset, storage.ErrUnavailable, storage.ErrThrottled}
}

func (d *Driver) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := d.client.Bucket(bucket).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	wrapped := wrapError("BucketAttrs", bucket, "", err)
	if storage.IsBucketNotFound(wrapped) || storage.IsNotFound(wrapped) {
		return false, nil
	}
	return false, wrapped
}

func (d *Driver) Stat(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	attrs, err := d.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return nil, wrapError("ObjectAttrs", bucket, key, err)
	}
	return &storage.ObjectInfo{Key: key, Size: attrs.Size, LastModified: attrs.Updated}, nil
}

func (d *Driver) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	it := d.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var objects []storage.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapError("ListObjects", bucket, prefix, err)
		}
		objects = append(objects, storage.ObjectInfo{Key: attrs.Name, Size: attrs.Size, LastModified: attrs.Updated})
	}
	return objects, nil
}

func (d *Driver) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := d.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, wrapError("NewReader", bucket, key, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapError("Read", bucket, key, err)
	}
	return data, nil
}

func (d *Driver) Write(ctx context.Context, bucket, key string, data []byte) error {
	w := d.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return wrapError("Write", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return wrapError("Write", bucket, key, err)
	}
	return nil
}

// GetACL reports "public" when allUsers holds a reader or owner grant.
func (d *Driver) GetACL(ctx context.Context, bucket, key string) (storage.ACL, error) {
	rules, err := d.client.Bucket(bucket).Object(key).ACL().List(ctx)
	if err != nil {
		return "", wrapError("ACL.List", bucket, key, err)
	}
	return aclFromRules(rules), nil
}

func aclFromRules(rules []gcs.ACLRule) storage.ACL {
	for _, r := range rules {
		if r.Entity == gcs.AllUsers && (r.Role == gcs.RoleReader || r.Role == gcs.RoleOwner) {
			return storage.ACLPublic
		}
	}
	return storage.ACLPrivate
}

func (d *Driver) SetACL(ctx context.Context, bucket, key string, acl storage.ACL) error {
	handle := d.client.Bucket(bucket).Object(key).ACL()
	var err error
	if acl == storage.ACLPublic {
		err = handle.Set(ctx, gcs.AllUsers, gcs.RoleReader)
	} else {
		err = handle.Delete(ctx, gcs.AllUsers)
		// Removing a grant that is not there is already private.
		if isStatus(err, http.StatusNotFound) {
			err = nil
		}
	}
	if err != nil {
		return wrapError("ACL.Set", bucket, key, err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func wrapError(op, bucket, key string, err error) error {
	wrapped := &storage.ObjectError{Op: op, Backend: storage.KindGCS, Bucket: bucket, Key: key, Err: err}
	if sentinel := classify(err); sentinel != nil {
		wrapped.Err = storage.Wrap(sentinel, err)
	}
	return wrapped
}

func classify(err error) error {
	switch {
	case errors.Is(err, gcs.ErrBucketNotExist):
		return storage.ErrBucketNotFound
	case errors.Is(err, gcs.ErrObjectNotExist):
		return storage.ErrNotFound
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return storage.ErrNotFound
		case apiErr.Code == http.StatusUnauthorized:
			return storage.ErrInvalidCredentials
		case apiErr.Code == http.StatusForbidden:
			return storage.ErrAccessDenied
		case apiErr.Code == http.StatusTooManyRequests:
			return storage.ErrThrottled
		case apiErr.Code >= 500:
			return storage.ErrUnavailable
		}
	}
	return storage.ClassifyTransport(err)
}
