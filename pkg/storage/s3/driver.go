package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/gocumulus/pkg/storage"
)

// allUsersURI is the grantee group S3 uses for anonymous (public) access.
const allUsersURI = "http://acs.amazonaws.com/groups/global/AllUsers"

// Driver implements storage.Driver for AWS S3 and S3-compatible storage.
type Driver struct {
	client *s3.Client
}

// Ensure Driver implements the interfaces.
var (
	_ storage.Driver            = (*Driver)(nil)
	_ storage.ACLDriver         = (*Driver)(nil)
	_ storage.TransientDeclarer = (*Driver)(nil)
)

// New creates a new S3 driver with the given configuration.
//
// The driver uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &storage.ObjectError{Op: "New", Backend: storage.KindS3, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores. Most of them reject the
	// flexible checksum headers newer SDKs send by default.
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}

	return &Driver{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	// Retries are owned by storage.Backend.
	opts = append(opts, config.WithRetryMaxAttempts(1))

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion falls back to us-east-1. S3-compatible stores ignore the
// region, but the request signer still needs one.
func resolveRegion(sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	return DefaultAWSRegion
}

func (d *Driver) Kind() storage.Kind { return storage.KindS3 }

// Close releases resources. The S3 client holds none that need closing.
func (d *Driver) Close() error { return nil }

// TransientErrors declares the conditions worth retrying on S3.
func (d *Driver) TransientErrors() []error {
	return []error{storage.ErrConnectionReset, storage.ErrUnavailable, storage.ErrThrottled}
}

func (d *Driver) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	wrapped := wrapError("HeadBucket", bucket, "", err)
	if storage.IsNotFound(wrapped) || storage.IsBucketNotFound(wrapped) {
		return false, nil
	}
	return false, wrapped
}

func (d *Driver) Stat(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError("HeadObject", bucket, key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (d *Driver) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []storage.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListObjectsV2", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, storage.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (d *Driver) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError("GetObject", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapError("GetObject", bucket, key, err)
	}
	return data, nil
}

func (d *Driver) Write(ctx context.Context, bucket, key string, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return wrapError("PutObject", bucket, key, err)
	}
	return nil
}

// GetACL reports "public" when the AllUsers group can read the object.
func (d *Driver) GetACL(ctx context.Context, bucket, key string) (storage.ACL, error) {
	out, err := d.client.GetObjectAcl(ctx, &s3.GetObjectAclInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", wrapError("GetObjectAcl", bucket, key, err)
	}
	return aclFromGrants(out.Grants), nil
}

func aclFromGrants(grants []types.Grant) storage.ACL {
	for _, g := range grants {
		if g.Grantee == nil || aws.ToString(g.Grantee.URI) != allUsersURI {
			continue
		}
		if g.Permission == types.PermissionRead || g.Permission == types.PermissionFullControl {
			return storage.ACLPublic
		}
	}
	return storage.ACLPrivate
}

// SetACL applies the matching canned ACL.
func (d *Driver) SetACL(ctx context.Context, bucket, key string, acl storage.ACL) error {
	canned := types.ObjectCannedACLPrivate
	if acl == storage.ACLPublic {
		canned = types.ObjectCannedACLPublicRead
	}
	_, err := d.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		ACL:    canned,
	})
	if err != nil {
		return wrapError("PutObjectAcl", bucket, key, err)
	}
	return nil
}

// wrapError maps SDK errors onto storage sentinels, keeping the original.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &storage.ObjectError{
		Op:      op,
		Backend: storage.KindS3,
		Bucket:  bucket,
		Key:     key,
		Err:     err,
	}
	if sentinel := classify(err); sentinel != nil {
		wrapped.Err = storage.Wrap(sentinel, err)
	}
	return wrapped
}

func classify(err error) error {
	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &noSuchBucket):
		return storage.ErrBucketNotFound
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return storage.ErrNotFound
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return storage.ErrNotFound
		case "NoSuchBucket":
			return storage.ErrBucketNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return storage.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storage.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return storage.ErrThrottled
		case "ServiceUnavailable", "InternalError", "RequestTimeout":
			return storage.ErrUnavailable
		}
	}

	if sentinel := storage.ClassifyTransport(err); sentinel != nil {
		return sentinel
	}

	// Fallback: HTTP status for responses without a recognised code
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch status.HTTPStatusCode() {
		case 404:
			return storage.ErrNotFound
		case 403:
			return storage.ErrAccessDenied
		case 429:
			return storage.ErrThrottled
		case 500, 502, 503, 504:
			return storage.ErrUnavailable
		}
	}
	if strings.Contains(err.Error(), "connection reset") {
		return storage.ErrConnectionReset
	}
	return nil
}
