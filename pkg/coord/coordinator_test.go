package coord

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/node"
	"github.com/3leaps/gocumulus/pkg/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// yield lets other goroutines run between lock attempts without wall-clock
// sleeps.
var yield = retry.SleeperFunc(func(ctx context.Context, _ time.Duration) error {
	runtime.Gosched()
	return ctx.Err()
})

func newCoordinator(t *testing.T, store Store, opts ...func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Store:    store,
		LockPoll: retry.FixedPoll(100000, time.Millisecond).WithSleeper(yield),
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func seed(t *testing.T, c *Coordinator, records ...*node.Record) {
	t.Helper()
	for _, r := range records {
		require.NoError(t, c.PutNode(context.Background(), r))
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, faults.IsConfiguration(err))

	_, err = New(Config{Store: NewMemStore(), Root: "relative"})
	assert.True(t, faults.IsConfiguration(err))

	c, err := New(Config{Store: NewMemStore(), Root: "/x/"})
	require.NoError(t, err)
	assert.Equal(t, "/x", c.Root())
	assert.NotEmpty(t, c.Owner())
}

func TestMemStore_Children(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Put(ctx, "/r/nodes/10.0.0.2", nil))
	require.NoError(t, s.Put(ctx, "/r/nodes/10.0.0.1", nil))
	require.NoError(t, s.Put(ctx, "/r/nodes/deep/x", nil))
	require.NoError(t, s.Put(ctx, "/r/nodesx", nil))

	names, err := s.Children(ctx, "/r/nodes")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "deep"}, names)

	names, err = s.Children(ctx, "/absent")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemStore_Ephemeral(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ok, err := s.CreateEphemeral(ctx, "/l", []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CreateEphemeral(ctx, "/l", []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "/kept", []byte("v")))
	s.Expire()

	_, found, _ := s.Get(ctx, "/l")
	assert.False(t, found)
	_, found, _ = s.Get(ctx, "/kept")
	assert.True(t, found)
}

func TestLock_Timeout(t *testing.T) {
	store := NewMemStore()
	holder := newCoordinator(t, store)
	c := newCoordinator(t, store, func(cfg *Config) {
		cfg.LockPoll = retry.FixedPoll(3, time.Second).WithSleeper(retry.NoSleep)
	})
	ctx := context.Background()

	l, err := holder.AcquireLock(ctx, NodesLock)
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, NodesLock)
	require.Error(t, err)
	assert.True(t, faults.IsCoordinationTimeout(err))

	var te *faults.CoordinationTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, NodesLock, te.Lock)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 2*time.Second, te.Waited)

	// Node-table writes fail the same way instead of hanging.
	err = c.PutNode(ctx, node.New("10.0.0.1", "", "i-1", "aws"))
	assert.True(t, faults.IsCoordinationTimeout(err))

	require.NoError(t, l.Release(ctx))
	_, err = c.AcquireLock(ctx, NodesLock)
	assert.NoError(t, err)
}

func TestLock_ExpiredSessionFreesLock(t *testing.T) {
	store := NewMemStore()
	holder := newCoordinator(t, store)
	c := newCoordinator(t, store, func(cfg *Config) {
		cfg.LockPoll = retry.FixedPoll(1, 0).WithSleeper(retry.NoSleep)
	})
	ctx := context.Background()

	_, err := holder.AcquireLock(ctx, "x")
	require.NoError(t, err)
	store.Expire()

	_, err = c.AcquireLock(ctx, "x")
	assert.NoError(t, err)
}

func TestLock_ReleaseSemantics(t *testing.T) {
	store := NewMemStore()
	c := newCoordinator(t, store)
	ctx := context.Background()

	l, err := c.AcquireLock(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx), "second release is a no-op")

	l, err = c.AcquireLock(ctx, "x")
	require.NoError(t, err)
	store.Expire()
	other := newCoordinator(t, store)
	_, err = other.AcquireLock(ctx, "x")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(ctx), ErrLockNotHeld)
}

func TestWithLock_Reentrant(t *testing.T) {
	c := newCoordinator(t, NewMemStore(), func(cfg *Config) {
		cfg.LockPoll = retry.FixedPoll(1, 0).WithSleeper(retry.NoSleep)
	})
	ctx := context.Background()
	seed(t, c, node.New("10.0.0.1", "", "i-1", "aws"))

	depth := 0
	err := c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
		depth++
		assert.True(t, c.HoldsLock(ctx, NodesLock))
		return c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
			depth++
			// Node operations re-enter the held lock too.
			_, err := c.AddRoles(ctx, "10.0.0.1", node.RoleCompute)
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	// The outermost call released, so a fresh acquisition succeeds at once.
	l, err := c.AcquireLock(ctx, NodesLock)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
	assert.False(t, c.HoldsLock(ctx, NodesLock))
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	c := newCoordinator(t, NewMemStore(), func(cfg *Config) {
		cfg.LockPoll = retry.FixedPoll(1, 0).WithSleeper(retry.NoSleep)
	})
	ctx := context.Background()
	boom := errors.New("boom")

	err := c.WithLock(ctx, "x", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = c.WithLock(ctx, "x", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestNodeTable(t *testing.T) {
	c := newCoordinator(t, NewMemStore())
	ctx := context.Background()

	metered := node.New("10.0.0.2", "192.168.0.2", "i-2", "aws")
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, metered.SetLease(created, created.Add(node.BillingPeriod)))
	seed(t, c, node.New("10.0.0.1", "192.168.0.1", "i-1", "aws"), metered)

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "10.0.0.1", nodes[0].PublicIP)
	assert.True(t, nodes[1].Metered())

	raw, ok, err := c.Read(ctx, "nodes/10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:192.168.0.1:open:i-1:aws", string(raw))

	r, err := c.AddRoles(ctx, "10.0.0.1", node.RoleQueueMaster, node.RoleCompute)
	require.NoError(t, err)
	assert.Equal(t, []node.Role{node.RoleCompute, node.RoleQueueMaster}, r.Roles())

	r, err = c.RemoveRoles(ctx, "10.0.0.1", node.RoleQueueMaster, node.RoleCompute)
	require.NoError(t, err)
	assert.True(t, r.IsOpen())

	_, err = c.AddRoles(ctx, "10.9.9.9", node.RoleCompute)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	require.NoError(t, c.RemoveNode(ctx, "10.0.0.2"))
	_, ok, err = c.Read(ctx, "leases/10.0.0.2")
	require.NoError(t, err)
	assert.False(t, ok)

	err = c.PutNode(ctx, node.New("bad:ip", "", "i", "aws"))
	assert.ErrorIs(t, err, node.ErrInvalidRecord)
}

func TestNodes_SkipsMalformed(t *testing.T) {
	c := newCoordinator(t, NewMemStore())
	ctx := context.Background()
	seed(t, c, node.New("10.0.0.1", "", "i-1", "aws"))
	require.NoError(t, c.Write(ctx, "nodes/10.0.0.2", []byte("garbage")))

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestClaimIdle(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC))
	c := newCoordinator(t, NewMemStore(), func(cfg *Config) { cfg.Clock = mock })
	ctx := context.Background()

	expired := node.New("10.0.0.4", "", "i-4", "aws")
	start := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, expired.SetLease(start, start.Add(node.BillingPeriod)))

	seed(t, c,
		node.New("10.0.0.1", "", "i-1", "aws"),
		node.New("10.0.0.2", "", "i-2", "gcp"),
		node.New("10.0.0.3", "", "i-3", "aws", node.RoleShadow),
		expired,
	)

	claimed, err := c.ClaimIdle(ctx, 1, "aws", node.RoleCompute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "10.0.0.1", claimed[0].PublicIP)

	// Only busy, foreign-tagged, or expired aws nodes remain.
	_, err = c.ClaimIdle(ctx, 1, "aws")
	assert.ErrorIs(t, err, ErrNoCapacity)

	// Too few candidates leaves the table untouched.
	_, err = c.ClaimIdle(ctx, 2, "")
	assert.ErrorIs(t, err, ErrNoCapacity)
	r, err := c.Node(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, r.IsOpen())

	_, err = c.ClaimIdle(ctx, 0, "")
	assert.Error(t, err)

	require.NoError(t, c.ReleaseNodes(ctx, "10.0.0.1", "10.9.9.9"))
	r, err = c.Node(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, r.IsOpen())
}

func TestReleaseClaim_KeepsRolesAddedMeanwhile(t *testing.T) {
	c := newCoordinator(t, NewMemStore())
	ctx := context.Background()
	seed(t, c, node.New("10.0.0.1", "", "i-1", "aws"), node.New("10.0.0.2", "", "i-2", "aws"))

	claimed, err := c.ClaimIdle(ctx, 2, "", node.RoleCompute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// an operator assigns an extra role while the job runs
	_, err = c.AddRoles(ctx, "10.0.0.1", node.RoleShadow)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseClaim(ctx, []string{"10.0.0.1", "10.0.0.2", "10.9.9.9"}))

	kept, err := c.Node(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, kept.HasRole(node.RoleShadow))
	assert.False(t, kept.HasRole(node.RoleCompute))
	assert.False(t, kept.IsOpen())

	freed, err := c.Node(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, freed.IsOpen())
}

// Concurrent claims never hand one idle node to two callers.
func TestClaimIdle_ConcurrentExclusive(t *testing.T) {
	store := NewMemStore()
	seeder := newCoordinator(t, store)
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		seed(t, seeder, node.New(ip, "", "i", "aws"))
	}

	const callers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		owners   = map[string]int{}
		failures atomic.Int32
	)
	for i := 0; i < callers; i++ {
		// Half share one coordinator, half act as separate processes.
		c := seeder
		if i%2 == 1 {
			c = newCoordinator(t, store)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := c.ClaimIdle(context.Background(), 1, "", node.RoleCompute)
			if err != nil {
				assert.ErrorIs(t, err, ErrNoCapacity)
				failures.Add(1)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range claimed {
				owners[r.PublicIP]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, owners, 3)
	for ip, n := range owners {
		assert.Equal(t, 1, n, "node %s claimed more than once", ip)
	}
	assert.Equal(t, int32(callers-3), failures.Load())
}

func TestReconcile(t *testing.T) {
	c := newCoordinator(t, NewMemStore())
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := created.Add(node.BillingPeriod)

	busy := node.New("10.0.0.1", "", "i-1", "aws", node.RoleCompute)
	require.NoError(t, busy.SetLease(created, end))
	idle := node.New("10.0.0.2", "", "i-2", "aws")
	require.NoError(t, idle.SetLease(created, end))
	fresh := node.New("10.0.0.3", "", "i-3", "aws")
	require.NoError(t, fresh.SetLease(created, end.Add(3*node.BillingPeriod)))
	seed(t, c, busy, idle, fresh, node.New("10.0.0.4", "", "i-4", "local"))

	rep, err := c.Reconcile(ctx, end.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, rep.Extended)
	assert.Equal(t, []string{"10.0.0.2"}, rep.Destroy)

	r, err := c.Node(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, end.Add(node.BillingPeriod).Equal(*r.DestructionTime))

	// Within the extended window nothing happens.
	rep, err = c.Reconcile(ctx, end.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, rep.Extended)
	assert.Equal(t, []string{"10.0.0.2"}, rep.Destroy)
}

func TestJobRegistry(t *testing.T) {
	mock := clock.NewMock()
	c := newCoordinator(t, NewMemStore(), func(cfg *Config) { cfg.Clock = mock })
	ctx := context.Background()

	require.NoError(t, c.RegisterJob(ctx, JobEntry{JobID: "b", Queue: "memory"}))
	require.NoError(t, c.RegisterJob(ctx, JobEntry{JobID: "a", Nodes: []string{"10.0.0.1"}}))
	assert.Error(t, c.RegisterJob(ctx, JobEntry{}))
	assert.Error(t, c.RegisterJob(ctx, JobEntry{JobID: "x/y"}))

	jobs, err := c.InFlightJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].JobID)
	assert.Equal(t, c.Owner(), jobs[0].Owner)
	assert.True(t, mock.Now().Equal(jobs[0].StartedAt))

	require.NoError(t, c.CompleteJob(ctx, "a"))
	require.NoError(t, c.CompleteJob(ctx, "missing"))
	jobs, err = c.InFlightJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].JobID)
}
