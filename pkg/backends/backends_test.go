package backends

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/queue/taskq"
	"github.com/3leaps/gocumulus/pkg/retry"
	"github.com/3leaps/gocumulus/pkg/storage"
)

func TestNewStorage_Validation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		backend string
		creds   storage.Credentials
		wantErr error
	}{
		{name: "unknown backend", backend: "walrus-classic", creds: nil, wantErr: storage.ErrUnsupportedBackend},
		{name: "s3 missing secret", backend: "s3", creds: storage.Credentials{
			storage.CredS3AccessKey: "a", storage.CredS3URL: "https://s3.amazonaws.com",
		}, wantErr: storage.ErrInvalidCredentials},
		{name: "azure missing key", backend: "azure", creds: storage.Credentials{
			storage.CredAzureAccount: "acct",
		}, wantErr: storage.ErrInvalidCredentials},
		{name: "gcs blank credentials", backend: "gcs", creds: storage.Credentials{
			storage.CredGCSCredentials: "  ",
		}, wantErr: storage.ErrInvalidCredentials},
		{name: "file missing root", backend: "file", creds: storage.Credentials{}, wantErr: storage.ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStorage(ctx, tt.backend, tt.creds)
			require.Error(t, err)
			assert.True(t, faults.IsConfiguration(err))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewStorage_File(t *testing.T) {
	ctx := context.Background()
	b, err := NewStorage(ctx, "FILE", storage.Credentials{storage.CredFileRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, storage.KindFile, b.Kind())

	u := storage.MustParseURI("/bucket/x.txt")
	require.NoError(t, b.Put(ctx, u, []byte("x")))
	data, err := b.Get(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestNewStorage_CloudDriversBuildOffline(t *testing.T) {
	ctx := context.Background()

	b, err := NewStorage(ctx, "s3", storage.Credentials{
		storage.CredS3AccessKey: "AKIA",
		storage.CredS3SecretKey: "secret",
		storage.CredS3URL:       "http://127.0.0.1:1",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.KindS3, b.Kind())

	b, err = NewStorage(ctx, "azure", storage.Credentials{
		storage.CredAzureAccount:   "acct",
		storage.CredAzureAccessKey: "c2VjcmV0",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.KindAzure, b.Kind())

	_, err = NewStorage(ctx, "gcs", storage.Credentials{
		storage.CredGCSCredentials: "/nonexistent/key.json",
	})
	require.Error(t, err)
	assert.True(t, faults.IsConfiguration(err))
}

func TestNewQueue(t *testing.T) {
	ctx := context.Background()

	_, err := NewQueue(ctx, "rabbitmq", nil)
	assert.True(t, faults.IsConfiguration(err))
	assert.ErrorIs(t, err, queue.ErrUnsupportedBackend)

	_, err = NewQueue(ctx, "kafka", queue.Credentials{queue.CredKafkaBrokers: "k:9092"})
	assert.True(t, faults.IsConfiguration(err))
	assert.ErrorIs(t, err, queue.ErrInvalidCredentials)

	shared := queue.NewMemory()
	q, err := NewQueue(ctx, "memory", nil, WithMemoryQueue(shared))
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, queue.Item{"a": 1}))
	n, _ := shared.Size(ctx)
	assert.Equal(t, 1, n)

	_, ok := queue.ResultsOf(q)
	assert.True(t, ok)
}

func TestNewQueue_TaskQ(t *testing.T) {
	ctx := context.Background()
	svc := taskq.NewService(nil)
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	q, err := NewQueue(ctx, "taskq", queue.Credentials{queue.CredTaskQURL: ts.URL}, WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	assert.Equal(t, queue.KindTaskQ, q.Kind())

	require.NoError(t, q.Push(ctx, queue.Item{"job_id": "j"}))
	item, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j", item.String("job_id"))
}

func TestNewQueue_TaskQNeverLive(t *testing.T) {
	ctx := context.Background()
	ts := httptest.NewServer(nil)
	defer ts.Close()

	deploys := 0
	_, err := NewQueue(ctx, "taskq", queue.Credentials{queue.CredTaskQURL: ts.URL},
		WithHTTPClient(ts.Client()),
		WithDeployer(taskq.DeployerFunc(func(context.Context, string) error { deploys++; return nil })),
		WithLiveness(retry.FixedPoll(3, 0).WithSleeper(retry.NoSleep)))
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, 1, deploys)
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	c := NewCache()
	defer func() { _ = c.Close() }()

	a, err := c.Storage(ctx, "file", storage.Credentials{storage.CredFileRoot: root})
	require.NoError(t, err)
	b, err := c.Storage(ctx, "file", storage.Credentials{storage.CredFileRoot: root})
	require.NoError(t, err)
	assert.Same(t, a, b, "same credentials share one backend")

	other, err := c.Storage(ctx, "file", storage.Credentials{storage.CredFileRoot: t.TempDir()})
	require.NoError(t, err)
	assert.NotSame(t, a, other, "different credentials never share")

	_, err = c.Storage(ctx, "nope", nil)
	assert.True(t, faults.IsConfiguration(err))

	q1, err := c.Queue(ctx, "memory", nil)
	require.NoError(t, err)
	q2, err := c.Queue(ctx, "memory", queue.Credentials{})
	require.NoError(t, err)
	assert.Same(t, q1, q2)

	assert.Equal(t, 3, c.Len())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Len())
}

func TestCache_ConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	c := NewCache()
	creds := storage.Credentials{storage.CredFileRoot: t.TempDir()}

	var wg sync.WaitGroup
	got := make([]*storage.Backend, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.Storage(ctx, "file", creds)
			assert.NoError(t, err)
			got[i] = b
		}(i)
	}
	wg.Wait()

	for _, b := range got[1:] {
		assert.Same(t, got[0], b)
	}
	assert.Equal(t, 1, c.Len())
}

func TestCacheKey(t *testing.T) {
	k1 := cacheKey("storage", "S3", map[string]string{"A": "1", "B": "2"})
	k2 := cacheKey("storage", "s3", map[string]string{"B": "2", "A": "1"})
	k3 := cacheKey("storage", "s3", map[string]string{"A": "1", "B": "3"})
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, len("storage:s3:")+64, "credential values are hashed")
}
