// Package cloudtest runs the s3 storage backend against a moto server, an
// S3-compatible endpoint that accepts any credentials. Callers carry the
// cloudintegration build tag and call SkipIfUnavailable first.
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/gocumulus/pkg/backends"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// Port 5555 keeps clear of macOS AirTunes on 5000.
const (
	defaultEndpoint = "http://localhost:5555"
	defaultRegion   = "us-east-1"
	testKey         = "testing"
)

var (
	Endpoint = envOr("MOTO_ENDPOINT", defaultEndpoint)
	Region   = envOr("MOTO_REGION", defaultRegion)
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SkipIfUnavailable skips t unless moto answers on Endpoint.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err == nil {
		var resp *http.Response
		if resp, err = http.DefaultClient.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
	}
	t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
}

// Credentials is the job credential set that points the s3 backend at moto.
func Credentials() storage.Credentials {
	return storage.Credentials{
		storage.CredS3AccessKey: testKey,
		storage.CredS3SecretKey: testKey,
		storage.CredS3URL:       Endpoint,
		storage.CredS3Region:    Region,
	}
}

// Backend builds the s3 storage backend against moto through the same
// factory jobs use.
func Backend(t *testing.T, ctx context.Context) *storage.Backend {
	t.Helper()
	b, err := backends.NewStorage(ctx, string(storage.KindS3), Credentials())
	if err != nil {
		t.Fatalf("build s3 backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// admin is a raw client for bucket lifecycle, which the storage backend
// deliberately does not expose.
func admin(t *testing.T, ctx context.Context) *s3.Client {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(testKey, testKey, "")),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
		o.UsePathStyle = true
	})
}

// CreateBucket creates a bucket named after the test and empties and
// removes it on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	c := admin(t, ctx)
	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { dropBucket(t, c, name) })
	return name
}

func dropBucket(t *testing.T, c *s3.Client, bucket string) {
	ctx := context.Background()
	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("delete %s/%s: %v", bucket, aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("delete bucket %s: %v", bucket, err)
	}
}

// PutObject writes data at /bucket/key through the storage backend.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, data []byte) {
	t.Helper()
	u, err := storage.ParseURI("/" + bucket + "/" + key)
	if err != nil {
		t.Fatalf("object uri: %v", err)
	}
	if err := Backend(t, ctx).Put(ctx, u, data); err != nil {
		t.Fatalf("put %s: %v", u, err)
	}
}
