// Package azure implements the storage driver for Azure Blob Storage.
//
// Buckets map to containers. Azure grants anonymous read per container, not
// per blob, so GetACL and SetACL act on the container holding the key.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/3leaps/gocumulus/pkg/storage"
)

type Config struct {
	AccountName string
	AccountKey  string
	// ServiceURL overrides https://<account>.blob.core.windows.net/.
	ServiceURL string
}

func ConfigFromCredentials(creds storage.Credentials) Config {
	return Config{
		AccountName: creds.Get(storage.CredAzureAccount),
		AccountKey:  creds.Get(storage.CredAzureAccessKey),
		ServiceURL:  creds.Get(storage.CredAzureURL),
	}
}

func (c Config) Validate() error {
	if c.AccountName == "" || c.AccountKey == "" {
		return fmt.Errorf("azure config: account name and key are required")
	}
	return nil
}

func (c Config) serviceURL() string {
	if c.ServiceURL != "" {
		return c.ServiceURL
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.AccountName)
}

// Driver implements storage.Driver for Azure Blob Storage.
type Driver struct {
	client *azblob.Client
}

var (
	_ storage.Driver            = (*Driver)(nil)
	_ storage.ACLDriver         = (*Driver)(nil)
	_ storage.TransientDeclarer = (*Driver)(nil)
)

func New(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, &storage.ObjectError{Op: "New", Backend: storage.KindAzure, Err: storage.Wrap(storage.ErrInvalidCredentials, err)}
	}
	// Retries are owned by storage.Backend.
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Retry: policy.RetryOptions{MaxRetries: -1}}}
	client, err := azblob.NewClientWithSharedKeyCredential(cfg.serviceURL(), cred, opts)
	if err != nil {
		return nil, &storage.ObjectError{Op: "New", Backend: storage.KindAzure, Err: err}
	}
	return &Driver{client: client}, nil
}

func (d *Driver) Kind() storage.Kind { return storage.KindAzure }

func (d *Driver) Close() error { return nil }

func (d *Driver) TransientErrors() []error {
	return []error{storage.ErrConnectionReset, storage.ErrUnavailable, storage.ErrThrottled}
}

func (d *Driver) container(name string) *container.Client {
	return d.client.ServiceClient().NewContainerClient(name)
}

func (d *Driver) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := d.container(bucket).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	wrapped := wrapError("GetContainerProperties", bucket, "", err)
	if storage.IsBucketNotFound(wrapped) || storage.IsNotFound(wrapped) {
		return false, nil
	}
	return false, wrapped
}

func (d *Driver) Stat(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	props, err := d.container(bucket).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return nil, wrapError("GetBlobProperties", bucket, key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         deref(props.ContentLength),
		LastModified: deref(props.LastModified),
	}, nil
}

func (d *Driver) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	pager := d.client.NewListBlobsFlatPager(bucket, opts)

	var objects []storage.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListBlobs", bucket, prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			info := storage.ObjectInfo{Key: deref(item.Name)}
			if item.Properties != nil {
				info.Size = deref(item.Properties.ContentLength)
				info.LastModified = deref(item.Properties.LastModified)
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

func (d *Driver) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := d.client.DownloadStream(ctx, bucket, key, nil)
	if err != nil {
		return nil, wrapError("DownloadStream", bucket, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError("DownloadStream", bucket, key, err)
	}
	return data, nil
}

func (d *Driver) Write(ctx context.Context, bucket, key string, data []byte) error {
	if _, err := d.client.UploadBuffer(ctx, bucket, key, data, nil); err != nil {
		return wrapError("UploadBuffer", bucket, key, err)
	}
	return nil
}

// GetACL reports the container's anonymous access level.
func (d *Driver) GetACL(ctx context.Context, bucket, key string) (storage.ACL, error) {
	resp, err := d.container(bucket).GetAccessPolicy(ctx, nil)
	if err != nil {
		return "", wrapError("GetAccessPolicy", bucket, key, err)
	}
	if resp.BlobPublicAccess != nil {
		return storage.ACLPublic, nil
	}
	return storage.ACLPrivate, nil
}

func (d *Driver) SetACL(ctx context.Context, bucket, key string, acl storage.ACL) error {
	opts := &container.SetAccessPolicyOptions{}
	if acl == storage.ACLPublic {
		opts.Access = to.Ptr(container.PublicAccessTypeBlob)
	}
	if _, err := d.container(bucket).SetAccessPolicy(ctx, opts); err != nil {
		return wrapError("SetAccessPolicy", bucket, key, err)
	}
	return nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func wrapError(op, bucket, key string, err error) error {
	wrapped := &storage.ObjectError{Op: op, Backend: storage.KindAzure, Bucket: bucket, Key: key, Err: err}
	if sentinel := classify(err); sentinel != nil {
		wrapped.Err = storage.Wrap(sentinel, err)
	}
	return wrapped
}

func classify(err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.ContainerBeingDeleted):
		return storage.ErrBucketNotFound
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ResourceNotFound):
		return storage.ErrNotFound
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.InvalidAuthenticationInfo):
		return storage.ErrInvalidCredentials
	case bloberror.HasCode(err, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions):
		return storage.ErrAccessDenied
	case bloberror.HasCode(err, bloberror.ServerBusy):
		return storage.ErrThrottled
	case bloberror.HasCode(err, bloberror.InternalError, bloberror.OperationTimedOut):
		return storage.ErrUnavailable
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return storage.ErrNotFound
		case respErr.StatusCode == http.StatusForbidden:
			return storage.ErrAccessDenied
		case respErr.StatusCode == http.StatusTooManyRequests:
			return storage.ErrThrottled
		case respErr.StatusCode >= 500:
			return storage.ErrUnavailable
		}
	}
	return storage.ClassifyTransport(err)
}
