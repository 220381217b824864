package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/retry"
)

// memDriver is an in-memory Driver that counts calls and can inject failures.
type memDriver struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	acls    map[string]ACL
	calls   map[string]int

	// failWith, when set, is returned by every call to the named op.
	failWith map[string]error
	// failKeys makes Write fail for the listed keys.
	failKeys map[string]error
}

func newMemDriver(buckets ...string) *memDriver {
	d := &memDriver{
		buckets:  map[string]map[string][]byte{},
		acls:     map[string]ACL{},
		calls:    map[string]int{},
		failWith: map[string]error{},
		failKeys: map[string]error{},
	}
	for _, b := range buckets {
		d.buckets[b] = map[string][]byte{}
	}
	return d
}

func (d *memDriver) count(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[op]++
	return d.failWith[op]
}

func (d *memDriver) callCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *memDriver) Kind() Kind { return KindFile }

func (d *memDriver) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := d.count("bucket_exists"); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.buckets[bucket]
	return ok, nil
}

func (d *memDriver) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if err := d.count("stat"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.buckets[bucket][key]
	if !ok {
		return nil, &ObjectError{Op: "Stat", Backend: KindFile, Bucket: bucket, Key: key, Err: ErrNotFound}
	}
	return &ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Unix(0, 0)}, nil
}

func (d *memDriver) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if err := d.count("list"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ObjectInfo
	for k, v := range d.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	// Deliberately unsorted output: Backend sorts.
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func (d *memDriver) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := d.count("read"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.buckets[bucket][key]
	if !ok {
		return nil, &ObjectError{Op: "Read", Backend: KindFile, Bucket: bucket, Key: key, Err: ErrNotFound}
	}
	return append([]byte(nil), data...), nil
}

func (d *memDriver) Write(ctx context.Context, bucket, key string, data []byte) error {
	if err := d.count("write"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failKeys[key]; err != nil {
		return err
	}
	if _, ok := d.buckets[bucket]; !ok {
		return &ObjectError{Op: "Write", Backend: KindFile, Bucket: bucket, Err: ErrBucketNotFound}
	}
	d.buckets[bucket][key] = append([]byte(nil), data...)
	return nil
}

func (d *memDriver) Close() error { return nil }

// aclDriver adds the ACL capability to memDriver.
type aclDriver struct{ *memDriver }

func (d aclDriver) GetACL(ctx context.Context, bucket, key string) (ACL, error) {
	if err := d.count("get_acl"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if acl, ok := d.acls[bucket+"/"+key]; ok {
		return acl, nil
	}
	return ACLPrivate, nil
}

func (d aclDriver) SetACL(ctx context.Context, bucket, key string, acl ACL) error {
	if err := d.count("set_acl"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acls[bucket+"/"+key] = acl
	return nil
}

func fastPolicy(attempts int) Option {
	return WithPolicy(retry.Fixed(attempts, time.Millisecond).WithSleeper(retry.NoSleep))
}

func TestBackendRetryBudget(t *testing.T) {
	d := newMemDriver("b")
	d.failWith["read"] = &ObjectError{Op: "Read", Backend: KindFile, Err: Wrap(ErrConnectionReset, errors.New("read tcp: connection reset by peer"))}
	b := NewBackend(d, fastPolicy(4))

	_, err := b.Get(context.Background(), MustParseURI("/b/code.py"))
	require.Error(t, err)

	assert.True(t, faults.IsTransient(err), "got %v", err)
	assert.ErrorIs(t, err, ErrConnectionReset)
	assert.Equal(t, 4, d.callCount("read"), "never more attempts than the configured maximum")

	var te *faults.TransientBackendError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.Attempts)
}

func TestBackendPermanentErrorsAreNotRetried(t *testing.T) {
	d := newMemDriver("b")
	d.failWith["write"] = &ObjectError{Op: "Write", Backend: KindFile, Err: ErrAccessDenied}
	b := NewBackend(d, fastPolicy(5))

	err := b.Put(context.Background(), MustParseURI("/b/out.txt"), []byte("x"))
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))
	assert.True(t, IsAccessDenied(err))
	assert.Equal(t, 1, d.callCount("write"))
}

type declaringDriver struct{ *memDriver }

func (declaringDriver) TransientErrors() []error { return []error{ErrThrottled} }

func TestBackendUsesDeclaredTransientSet(t *testing.T) {
	d := newMemDriver("b")
	d.failWith["read"] = &ObjectError{Op: "Read", Backend: KindFile, Err: ErrConnectionReset}
	b := NewBackend(declaringDriver{d}, fastPolicy(3))

	_, err := b.Get(context.Background(), MustParseURI("/b/k"))
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err), "connection reset is not in the declared set")
	assert.Equal(t, 1, d.callCount("read"))
}

func TestBackendGetAndPut(t *testing.T) {
	ctx := context.Background()
	d := newMemDriver("b")
	b := NewBackend(d, fastPolicy(2))

	require.NoError(t, b.Put(ctx, MustParseURI("/b/a.txt"), []byte("hello")))
	data, err := b.Get(ctx, MustParseURI("/b/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = b.Get(ctx, MustParseURI("/b/missing"))
	assert.True(t, IsNotFound(err))
	assert.True(t, faults.IsPermanent(err))

	require.NoError(t, b.Put(ctx, MustParseURI("/b/dir/x"), []byte("1")))
	_, err = b.Get(ctx, MustParseURI("/b/dir"))
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestBackendFetchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newMemDriver("b")
	d.buckets["b"]["code.py"] = []byte("print(1)")
	b := NewBackend(d, fastPolicy(2))

	dest := filepath.Join(t.TempDir(), "work", "code.py")
	require.NoError(t, b.Fetch(ctx, MustParseURI("/b/code.py"), dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(got))
	readsAfterFirst := d.callCount("read")
	statsAfterFirst := d.callCount("stat")

	require.NoError(t, b.Fetch(ctx, MustParseURI("/b/code.py"), dest))
	assert.Equal(t, readsAfterFirst, d.callCount("read"), "second fetch must not re-read")
	assert.Equal(t, statsAfterFirst, d.callCount("stat"), "second fetch must not contact the backend")
}

func TestBackendFetchDirectory(t *testing.T) {
	ctx := context.Background()
	d := newMemDriver("b")
	d.buckets["b"]["in/a.txt"] = []byte("a")
	d.buckets["b"]["in/sub/b.txt"] = []byte("b")
	d.buckets["b"]["other.txt"] = []byte("x")
	b := NewBackend(d, fastPolicy(2))

	dest := filepath.Join(t.TempDir(), "in")
	require.NoError(t, b.Fetch(ctx, MustParseURI("/b/in"), dest))

	a, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(a))
	bb, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(bb))
	_, err = os.Stat(filepath.Join(dest, "other.txt"))
	assert.True(t, os.IsNotExist(err))

	err = b.Fetch(ctx, MustParseURI("/b/nothing"), filepath.Join(t.TempDir(), "x"))
	assert.True(t, IsNotFound(err))
}

func TestBackendExists(t *testing.T) {
	ctx := context.Background()
	d := newMemDriver("b")
	d.buckets["b"]["k"] = []byte("v")
	d.buckets["b"]["dir/k"] = []byte("v")
	b := NewBackend(d, fastPolicy(2))

	tests := []struct {
		uri       string
		want      bool
		wantStats int
	}{
		{"/b/k", true, 1},
		{"/b/dir", true, 1},
		{"/b/missing", false, 1},
		{"/nobucket/k", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			before := d.callCount("stat")
			ok, err := b.Exists(ctx, MustParseURI(tt.uri))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.wantStats, d.callCount("stat")-before,
				"object metadata is only consulted once the bucket exists")
		})
	}
}

func TestBackendUploadDirectory(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "skip.log"), []byte("s"), 0o644))

	t.Run("all files", func(t *testing.T) {
		d := newMemDriver("b")
		b := NewBackend(d, fastPolicy(2))
		require.NoError(t, b.Upload(ctx, MustParseURI("/b/out"), src, "*.log"))

		assert.Equal(t, []byte("a"), d.buckets["b"]["out/a.txt"])
		assert.Equal(t, []byte("b"), d.buckets["b"]["out/sub/b.txt"])
		_, skipped := d.buckets["b"]["out/skip.log"]
		assert.False(t, skipped)
	})

	t.Run("partial failure is reported", func(t *testing.T) {
		d := newMemDriver("b")
		d.failKeys["out/a.txt"] = &ObjectError{Op: "Write", Backend: KindFile, Err: ErrAccessDenied}
		b := NewBackend(d, fastPolicy(2))

		err := b.Upload(ctx, MustParseURI("/b/out"), src)
		var ue *UploadError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, []string{"a.txt"}, ue.Failed)
		assert.Equal(t, []byte("b"), d.buckets["b"]["out/sub/b.txt"], "other files are still written")
	})

	t.Run("single file", func(t *testing.T) {
		d := newMemDriver("b")
		b := NewBackend(d, fastPolicy(2))
		require.NoError(t, b.Upload(ctx, MustParseURI("/b/one.txt"), filepath.Join(src, "a.txt")))
		assert.Equal(t, []byte("a"), d.buckets["b"]["one.txt"])
	})
}

func TestBackendACL(t *testing.T) {
	ctx := context.Background()
	u := MustParseURI("/b/k")

	t.Run("unsupported without ACL driver", func(t *testing.T) {
		b := NewBackend(newMemDriver("b"), fastPolicy(2))
		_, err := b.GetACL(ctx, u)
		assert.True(t, IsUnsupportedOperation(err))
		err = b.SetACL(ctx, u, ACLPublic)
		assert.True(t, IsUnsupportedOperation(err))
	})

	t.Run("pass-through", func(t *testing.T) {
		d := aclDriver{newMemDriver("b")}
		b := NewBackend(d, fastPolicy(2))

		acl, err := b.GetACL(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, ACLPrivate, acl)

		require.NoError(t, b.SetACL(ctx, u, ACLPublic))
		acl, err = b.GetACL(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, ACLPublic, acl)
	})

	t.Run("invalid policy rejected before any call", func(t *testing.T) {
		d := aclDriver{newMemDriver("b")}
		b := NewBackend(d, fastPolicy(2))
		err := b.SetACL(ctx, u, ACL("world-writable"))
		assert.True(t, faults.IsConfiguration(err))
		assert.Equal(t, 0, d.callCount("set_acl"))
	})
}

func TestParseKindAndCredentials(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(strings.ToUpper(string(k)))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("dropbox")
	assert.True(t, faults.IsConfiguration(err))
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	err = CheckCredentials(KindS3, Credentials{CredS3AccessKey: "a"})
	require.Error(t, err)
	assert.True(t, faults.IsConfiguration(err))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Contains(t, err.Error(), CredS3SecretKey)
	assert.Contains(t, err.Error(), CredS3URL)

	assert.NoError(t, CheckCredentials(KindFile, Credentials{CredFileRoot: "/tmp"}))
	assert.Error(t, CheckCredentials(KindAzure, Credentials{CredAzureAccount: "acct", CredAzureAccessKey: "  "}))
}

func TestParseACL(t *testing.T) {
	acl, err := ParseACL(" Public ")
	require.NoError(t, err)
	assert.Equal(t, ACLPublic, acl)

	_, err = ParseACL("authenticated-read")
	assert.ErrorIs(t, err, ErrInvalidACL)
}
