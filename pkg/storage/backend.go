package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/retry"
)

// DefaultPolicy is the retry budget applied to every driver call: a few
// attempts with a short fixed delay.
func DefaultPolicy() retry.Policy {
	return retry.Fixed(retry.DefaultMaxAttempts, retry.DefaultDelay)
}

// Backend is the uniform storage surface over one Driver.
//
// Every driver call runs inside the retry policy; only errors wrapping one of
// the driver's declared transient sentinels are retried. Exhausted retries
// surface as *faults.TransientBackendError and every other failure as
// *faults.PermanentBackendError, both still wrapping the driver sentinel.
//
// Backend is safe for concurrent use when its Driver is.
type Backend struct {
	driver    Driver
	policy    retry.Policy
	transient []error
	logger    *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithPolicy replaces the retry policy. The policy's Retryable is always
// replaced by the driver's transient classification.
func WithPolicy(p retry.Policy) Option {
	return func(b *Backend) { b.policy = p }
}

// WithLogger sets the logger used for retry and staging diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBackend wraps d.
func NewBackend(d Driver, opts ...Option) *Backend {
	b := &Backend{
		driver: d,
		policy: DefaultPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.transient = DefaultTransientErrors()
	if td, ok := d.(TransientDeclarer); ok {
		b.transient = td.TransientErrors()
	}
	b.policy = b.policy.WithRetryable(b.isTransient)
	return b
}

// Kind returns the driver's storage kind.
func (b *Backend) Kind() Kind {
	return b.driver.Kind()
}

// Close releases the driver.
func (b *Backend) Close() error {
	return b.driver.Close()
}

func (b *Backend) isTransient(err error) bool {
	for _, t := range b.transient {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// call runs fn under the retry policy and assigns the taxonomy class.
func (b *Backend) call(ctx context.Context, op string, u URI, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, b.policy, string(b.Kind())+"."+op, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && b.isTransient(err) {
			b.logger.Debug("Transient storage error",
				zap.String("op", op),
				zap.String("uri", u.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if faults.IsTransient(err) {
		b.logger.Warn("Storage retries exhausted",
			zap.String("op", op),
			zap.String("uri", u.String()),
			zap.Error(err))
		return err
	}
	return faults.Permanent(string(b.Kind())+"."+op, err)
}

// Get reads one object into memory.
//
// When u names a directory prefix rather than an object, Get fails with
// ErrIsDirectory; use Fetch to materialise directories.
func (b *Backend) Get(ctx context.Context, u URI) ([]byte, error) {
	var data []byte
	err := b.call(ctx, "get", u, func(ctx context.Context) error {
		var err error
		data, err = b.driver.Read(ctx, u.Bucket, u.Key)
		return err
	})
	if err == nil {
		return data, nil
	}
	if IsNotFound(err) {
		if objs, lerr := b.list(ctx, u); lerr == nil && len(objs) > 0 {
			return nil, faults.Permanent(string(b.Kind())+".get",
				&ObjectError{Op: "get", Backend: b.Kind(), Bucket: u.Bucket, Key: u.Key, Err: ErrIsDirectory})
		}
	}
	return nil, err
}

// Fetch copies u to the local path dest.
//
// If dest already exists Fetch succeeds without contacting the backend. A
// directory prefix is copied object by object in key order, keeping the
// relative layout and skipping files already present locally.
func (b *Backend) Fetch(ctx context.Context, u URI, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		b.logger.Debug("Fetch destination already present", zap.String("uri", u.String()), zap.String("dest", dest))
		return nil
	}

	var statErr error
	statErr = b.call(ctx, "stat", u, func(ctx context.Context) error {
		_, err := b.driver.Stat(ctx, u.Bucket, u.Key)
		return err
	})
	if statErr == nil {
		data, err := b.Get(ctx, u)
		if err != nil {
			return err
		}
		return writeFileAtomic(dest, data)
	}
	if !IsNotFound(statErr) {
		return statErr
	}

	objs, err := b.list(ctx, u)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return statErr
	}

	prefix := u.DirPrefix()
	for _, obj := range objs {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return faults.Permanent(string(b.Kind())+".fetch",
				&ObjectError{Op: "fetch", Backend: b.Kind(), Bucket: u.Bucket, Key: obj.Key, Err: ErrInvalidURI})
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if _, err := os.Stat(target); err == nil {
			continue
		}

		child := URI{Bucket: u.Bucket, Key: obj.Key}
		data, err := b.Get(ctx, child)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(target, data); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) list(ctx context.Context, u URI) ([]ObjectInfo, error) {
	var objs []ObjectInfo
	err := b.call(ctx, "list", u, func(ctx context.Context) error {
		var err error
		objs, err = b.driver.List(ctx, u.Bucket, u.DirPrefix())
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

// Put writes data to u.
func (b *Backend) Put(ctx context.Context, u URI, data []byte) error {
	return b.call(ctx, "put", u, func(ctx context.Context) error {
		return b.driver.Write(ctx, u.Bucket, u.Key, data)
	})
}

// Upload copies a local file or directory to u.
//
// Directories are uploaded file by file under u with the same relative
// layout; files matching any exclude glob (doublestar syntax, relative to the
// directory) are skipped. A failed file does not stop the remaining uploads,
// but the call then returns an *UploadError naming every failed file.
func (b *Backend) Upload(ctx context.Context, u URI, localPath string, excludes ...string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return fmt.Errorf("upload %s: %w", localPath, err)
		}
		return b.Put(ctx, u, data)
	}

	files, err := collectFiles(localPath, excludes)
	if err != nil {
		return err
	}

	var failed []string
	var errs []error
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(localPath, filepath.FromSlash(rel)))
		if err == nil {
			err = b.Put(ctx, u.Join(rel), data)
		}
		if err != nil {
			b.logger.Warn("Upload of file failed", zap.String("file", rel), zap.Error(err))
			failed = append(failed, rel)
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		return &UploadError{Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}

func collectFiles(root string, excludes []string) ([]string, error) {
	var files []string
	err := doublestar.GlobWalk(os.DirFS(root), "**", func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		for _, pattern := range excludes {
			if ok, _ := doublestar.Match(pattern, path); ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Exists reports whether u names an object or a non-empty directory prefix.
//
// A missing bucket yields (false, nil); object metadata is consulted only once
// the bucket is known to exist.
func (b *Backend) Exists(ctx context.Context, u URI) (bool, error) {
	var bucketOK bool
	err := b.call(ctx, "bucket_exists", u, func(ctx context.Context) error {
		var err error
		bucketOK, err = b.driver.BucketExists(ctx, u.Bucket)
		return err
	})
	if err != nil {
		if IsBucketNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !bucketOK {
		return false, nil
	}

	err = b.call(ctx, "stat", u, func(ctx context.Context) error {
		_, err := b.driver.Stat(ctx, u.Bucket, u.Key)
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		objs, lerr := b.list(ctx, u)
		if lerr != nil {
			return false, lerr
		}
		return len(objs) > 0, nil
	case IsBucketNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// GetACL returns the object's access policy.
func (b *Backend) GetACL(ctx context.Context, u URI) (ACL, error) {
	ad, ok := b.driver.(ACLDriver)
	if !ok {
		return "", b.unsupported("get_acl", u)
	}
	var acl ACL
	err := b.call(ctx, "get_acl", u, func(ctx context.Context) error {
		var err error
		acl, err = ad.GetACL(ctx, u.Bucket, u.Key)
		return err
	})
	return acl, err
}

// SetACL applies an access policy to the object.
func (b *Backend) SetACL(ctx context.Context, u URI, acl ACL) error {
	if _, err := ParseACL(string(acl)); err != nil {
		return err
	}
	ad, ok := b.driver.(ACLDriver)
	if !ok {
		return b.unsupported("set_acl", u)
	}
	return b.call(ctx, "set_acl", u, func(ctx context.Context) error {
		return ad.SetACL(ctx, u.Bucket, u.Key, acl)
	})
}

func (b *Backend) unsupported(op string, u URI) error {
	return faults.Permanent(string(b.Kind())+"."+op, &ObjectError{
		Op:      op,
		Backend: b.Kind(),
		Bucket:  u.Bucket,
		Key:     u.Key,
		Err:     ErrUnsupportedOperation,
	})
}

// writeFileAtomic writes data to path through a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
