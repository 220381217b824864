// Package file implements a storage driver over a local directory.
//
// Each bucket is a subdirectory of Root and keys are slash-separated paths
// beneath it. The driver backs single-node deployments and tests; it has no
// ACL concept.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/gocumulus/pkg/storage"
)

// Driver implements storage.Driver for a local directory tree.
type Driver struct {
	root string
}

var _ storage.Driver = (*Driver)(nil)

type Config struct {
	Root string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root dir is required")
	}
	return nil
}

func New(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{root: filepath.Clean(cfg.Root)}, nil
}

func (d *Driver) Kind() storage.Kind { return storage.KindFile }

func (d *Driver) Close() error { return nil }

func (d *Driver) BucketExists(ctx context.Context, bucket string) (bool, error) {
	dir, err := d.bucketDir(bucket)
	if err != nil {
		return false, d.wrapError("BucketExists", bucket, "", err)
	}
	st, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, d.wrapError("BucketExists", bucket, "", err)
	}
	return st.IsDir(), nil
}

func (d *Driver) Stat(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	full, err := d.fullPath(bucket, key)
	if err != nil {
		return nil, d.wrapError("Stat", bucket, key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, d.wrapError("Stat", bucket, key, err)
	}
	if st.IsDir() {
		return nil, d.wrapError("Stat", bucket, key, storage.ErrNotFound)
	}
	return &storage.ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()}, nil
}

func (d *Driver) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	bucketDir, err := d.bucketDir(bucket)
	if err != nil {
		return nil, d.wrapError("List", bucket, prefix, err)
	}
	if _, err := os.Stat(bucketDir); err != nil {
		if os.IsNotExist(err) {
			return nil, d.wrapError("List", bucket, prefix, storage.ErrBucketNotFound)
		}
		return nil, d.wrapError("List", bucket, prefix, err)
	}

	// Walk from the deepest directory the prefix names, then filter by prefix.
	start := bucketDir
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		start, err = d.fullPath(bucket, prefix[:i])
		if err != nil {
			return nil, d.wrapError("List", bucket, prefix, err)
		}
	}

	var objects []storage.ObjectInfo
	walkErr := filepath.WalkDir(start, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || strings.Contains(filepath.Base(path), ".tmp.") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		objects = append(objects, storage.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, d.wrapError("List", bucket, prefix, walkErr)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (d *Driver) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	full, err := d.fullPath(bucket, key)
	if err != nil {
		return nil, d.wrapError("Read", bucket, key, err)
	}
	st, err := os.Stat(full)
	if err == nil && st.IsDir() {
		return nil, d.wrapError("Read", bucket, key, storage.ErrNotFound)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, d.wrapError("Read", bucket, key, err)
	}
	return data, nil
}

func (d *Driver) Write(ctx context.Context, bucket, key string, data []byte) error {
	full, err := d.fullPath(bucket, key)
	if err != nil {
		return d.wrapError("Write", bucket, key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return d.wrapError("Write", bucket, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".tmp.*")
	if err != nil {
		return d.wrapError("Write", bucket, key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return d.wrapError("Write", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return d.wrapError("Write", bucket, key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return d.wrapError("Write", bucket, key, err)
	}
	return nil
}

func (d *Driver) bucketDir(bucket string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("%w: bucket %q", storage.ErrInvalidURI, bucket)
	}
	return filepath.Join(d.root, bucket), nil
}

func (d *Driver) fullPath(bucket, key string) (string, error) {
	dir, err := d.bucketDir(bucket)
	if err != nil {
		return "", err
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	// Prevent path traversal.
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: key %q", storage.ErrInvalidURI, key)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

func (d *Driver) wrapError(op, bucket, key string, err error) error {
	wrapped := &storage.ObjectError{Op: op, Backend: storage.KindFile, Bucket: bucket, Key: key, Err: err}
	// Normalize common filesystem errors to storage sentinels.
	switch {
	case os.IsNotExist(err):
		wrapped.Err = storage.Wrap(storage.ErrNotFound, err)
	case os.IsPermission(err):
		wrapped.Err = storage.Wrap(storage.ErrAccessDenied, err)
	}
	return wrapped
}
