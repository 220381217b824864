// Package coord is the cluster coordinator: a named lock over a coordination
// store, plus the shared node table and in-flight job registry that the lock
// guards.
//
// Every mutation of the node table follows one discipline: acquire the lock,
// read the current table, compute the change, write it back, release. Lock
// acquisition is a bounded poll; running out of attempts yields a
// faults.CoordinationTimeoutError rather than a hang.
package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/node"
	"github.com/3leaps/gocumulus/pkg/retry"
)

const (
	DefaultRoot = "/gocumulus"

	// NodesLock guards the node table.
	NodesLock = "nodes"
)

// DefaultLockPoll gives up on a contended lock after about ten seconds.
func DefaultLockPoll() retry.PollPolicy {
	return retry.FixedPoll(100, 100*time.Millisecond)
}

// Config configures a Coordinator.
type Config struct {
	Store Store

	// Root prefixes every path this coordinator touches.
	Root string

	// Owner identifies this process in lock entries. Default: a random UUID.
	Owner string

	LockPoll retry.PollPolicy
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Coordinator is safe for concurrent use. Two goroutines sharing one
// Coordinator exclude each other exactly as two processes would.
type Coordinator struct {
	store  Store
	root   string
	owner  string
	poll   retry.PollPolicy
	clock  clock.Clock
	logger *zap.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, faults.Configuration("coordination", "store", errors.New("a store is required"))
	}
	root := strings.TrimSuffix(cfg.Root, "/")
	if root == "" {
		root = DefaultRoot
	}
	if !strings.HasPrefix(root, "/") {
		return nil, faults.Configuration("coordination", "root", fmt.Errorf("%q must be absolute", cfg.Root))
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.LockPoll.Attempts == 0 {
		cfg.LockPoll = DefaultLockPoll()
	}
	if cfg.LockPoll.Sleeper == nil {
		cfg.LockPoll.Sleeper = retry.ClockSleeper{Clock: cfg.Clock}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:  cfg.Store,
		root:   root,
		owner:  cfg.Owner,
		poll:   cfg.LockPoll,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

func (c *Coordinator) Owner() string { return c.owner }

func (c *Coordinator) Root() string { return c.root }

func (c *Coordinator) path(parts ...string) string {
	return path.Join(append([]string{c.root}, parts...)...)
}

// Read returns the raw value at a path relative to the root.
func (c *Coordinator) Read(ctx context.Context, rel string) ([]byte, bool, error) {
	return c.store.Get(ctx, c.path(rel))
}

// Write stores a raw value at a path relative to the root. Callers mutating
// shared state must hold the matching lock.
func (c *Coordinator) Write(ctx context.Context, rel string, value []byte) error {
	return c.store.Put(ctx, c.path(rel), value)
}

// Lock is one acquisition of a named lock.
type Lock struct {
	c     *Coordinator
	name  string
	path  string
	token string

	mu       sync.Mutex
	released bool
}

func (l *Lock) Name() string { return l.name }

type lockKey struct {
	c    *Coordinator
	name string
}

// conditionalDeleter deletes path only while it still holds value.
type conditionalDeleter interface {
	DeleteIf(ctx context.Context, path string, value []byte) (bool, error)
}

// AcquireLock blocks until the named lock is held or the poll budget runs out.
func (c *Coordinator) AcquireLock(ctx context.Context, name string) (*Lock, error) {
	l := &Lock{
		c:     c,
		name:  name,
		path:  c.path("locks", name),
		token: c.owner + "/" + uuid.NewString(),
	}

	_, stats, err := retry.Poll(ctx, c.poll, func(ctx context.Context, attempt int) (struct{}, bool, error) {
		created, err := c.store.CreateEphemeral(ctx, l.path, []byte(l.token))
		return struct{}{}, created, err
	})
	if errors.Is(err, retry.ErrPollExhausted) {
		c.logger.Warn("lock not acquired",
			zap.String("lock", name),
			zap.Int("attempts", stats.Attempts),
			zap.Duration("waited", stats.Slept))
		return nil, &faults.CoordinationTimeoutError{Lock: name, Attempts: stats.Attempts, Waited: stats.Slept}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	c.logger.Debug("lock acquired", zap.String("lock", name), zap.Int("attempts", stats.Attempts))
	return l, nil
}

// Release gives the lock up. Releasing twice is a no-op; releasing a lock
// whose entry now belongs to someone else returns ErrLockNotHeld.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}

	if cd, ok := l.c.store.(conditionalDeleter); ok {
		deleted, err := cd.DeleteIf(ctx, l.path, []byte(l.token))
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: %s", ErrLockNotHeld, l.name)
		}
	} else {
		cur, ok, err := l.c.store.Get(ctx, l.path)
		if err != nil {
			return err
		}
		if !ok || !bytes.Equal(cur, []byte(l.token)) {
			return fmt.Errorf("%w: %s", ErrLockNotHeld, l.name)
		}
		if err := l.c.store.Delete(ctx, l.path); err != nil {
			return err
		}
	}
	l.released = true
	l.c.logger.Debug("lock released", zap.String("lock", l.name))
	return nil
}

// HoldsLock reports whether ctx was derived inside WithLock for name.
func (c *Coordinator) HoldsLock(ctx context.Context, name string) bool {
	return ctx.Value(lockKey{c, name}) != nil
}

// WithLock runs fn holding the named lock. Calls nested inside fn's context
// re-enter without blocking; only the outermost call releases.
func (c *Coordinator) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	if c.HoldsLock(ctx, name) {
		return fn(ctx)
	}
	l, err := c.AcquireLock(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.logger.Error("lock release failed", zap.String("lock", name), zap.Error(rerr))
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn(context.WithValue(ctx, lockKey{c, name}, l))
}

// --- node table ---

// Nodes returns the node table sorted by public IP. Unparseable entries are
// logged and skipped.
func (c *Coordinator) Nodes(ctx context.Context) ([]*node.Record, error) {
	ips, err := c.store.Children(ctx, c.path("nodes"))
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := make([]*node.Record, 0, len(ips))
	for _, ip := range ips {
		r, err := c.loadNode(ctx, ip)
		if errors.Is(err, ErrNodeNotFound) {
			continue
		}
		if errors.Is(err, node.ErrInvalidRecord) || errors.Is(err, node.ErrInvalidLease) {
			c.logger.Warn("skipping malformed node entry", zap.String("ip", ip), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Node returns one entry, or ErrNodeNotFound.
func (c *Coordinator) Node(ctx context.Context, ip string) (*node.Record, error) {
	return c.loadNode(ctx, ip)
}

func (c *Coordinator) loadNode(ctx context.Context, ip string) (*node.Record, error) {
	raw, ok, err := c.store.Get(ctx, c.path("nodes", ip))
	if err != nil {
		return nil, fmt.Errorf("read node %s: %w", ip, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, ip)
	}
	r, err := node.Parse(string(raw))
	if err != nil {
		return nil, err
	}
	rawLease, ok, err := c.store.Get(ctx, c.path("leases", ip))
	if err != nil {
		return nil, fmt.Errorf("read lease %s: %w", ip, err)
	}
	if ok {
		l, err := node.DecodeLease(rawLease)
		if err != nil {
			return nil, err
		}
		if err := r.ApplyLease(l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// storeNode writes r and its lease. The caller holds NodesLock.
func (c *Coordinator) storeNode(ctx context.Context, r *node.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.path("nodes", r.PublicIP), []byte(r.String())); err != nil {
		return fmt.Errorf("write node %s: %w", r.PublicIP, err)
	}
	leasePath := c.path("leases", r.PublicIP)
	l, metered := r.Lease()
	if !metered {
		return c.store.Delete(ctx, leasePath)
	}
	data, err := node.EncodeLease(l)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, leasePath, data)
}

// PutNode adds or replaces a node entry.
func (c *Coordinator) PutNode(ctx context.Context, r *node.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
		return c.storeNode(ctx, r)
	})
}

// RemoveNode deletes a node entry and its lease.
func (c *Coordinator) RemoveNode(ctx context.Context, ip string) error {
	return c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
		if err := c.store.Delete(ctx, c.path("nodes", ip)); err != nil {
			return err
		}
		return c.store.Delete(ctx, c.path("leases", ip))
	})
}

// UpdateNode applies fn to the current entry for ip and writes the result.
func (c *Coordinator) UpdateNode(ctx context.Context, ip string, fn func(*node.Record) error) (*node.Record, error) {
	var updated *node.Record
	err := c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
		r, err := c.loadNode(ctx, ip)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		if err := c.storeNode(ctx, r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	return updated, err
}

func (c *Coordinator) AddRoles(ctx context.Context, ip string, roles ...node.Role) (*node.Record, error) {
	return c.UpdateNode(ctx, ip, func(r *node.Record) error {
		r.AddRoles(roles...)
		return nil
	})
}

func (c *Coordinator) RemoveRoles(ctx context.Context, ip string, roles ...node.Role) (*node.Record, error) {
	return c.UpdateNode(ctx, ip, func(r *node.Record) error {
		r.RemoveRoles(roles...)
		return nil
	})
}

// ClaimIdle assigns roles to n open nodes and returns them. When cloudTag is
// set only nodes carrying that tag qualify. Nodes whose lease has run out are
// passed over. With fewer than n candidates nothing changes and the error
// wraps ErrNoCapacity.
func (c *Coordinator) ClaimIdle(ctx context.Context, n int, cloudTag string, roles ...node.Role) ([]*node.Record, error) {
	if n < 1 {
		return nil, fmt.Errorf("claim idle: n must be at least 1, got %d", n)
	}
	if len(roles) == 0 {
		roles = []node.Role{node.RoleCompute}
	}
	var claimed []*node.Record
	err := c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
		all, err := c.Nodes(ctx)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		var picks []*node.Record
		for _, r := range all {
			if !r.IsOpen() || r.ShouldDestroy(now) {
				continue
			}
			if cloudTag != "" && r.CloudTag != cloudTag {
				continue
			}
			picks = append(picks, r)
			if len(picks) == n {
				break
			}
		}
		if len(picks) < n {
			return fmt.Errorf("%w: want %d idle nodes, found %d", ErrNoCapacity, n, len(picks))
		}
		for _, r := range picks {
			r.AddRoles(roles...)
			if err := c.storeNode(ctx, r); err != nil {
				return err
			}
		}
		claimed = picks
		return nil
	})
	if err != nil {
		return nil, err
	}
	ips := make([]string, len(claimed))
	for i, r := range claimed {
		ips[i] = r.PublicIP
	}
	c.logger.Info("claimed idle nodes", zap.Strings("nodes", ips))
	return claimed, nil
}

// ReleaseNodes returns the given nodes to "open", dropping every role. Unknown
// IPs are ignored.
func (c *Coordinator) ReleaseNodes(ctx context.Context, ips ...string) error {
	return c.releaseNodes(ctx, ips, func(r *node.Record) { r.SetRoles() })
}

// ReleaseClaim undoes ClaimIdle: it removes only the claimed roles (compute
// when none are given), so roles added to the node meanwhile survive. A node
// left with no roles becomes "open". Unknown IPs are ignored.
func (c *Coordinator) ReleaseClaim(ctx context.Context, ips []string, roles ...node.Role) error {
	if len(roles) == 0 {
		roles = []node.Role{node.RoleCompute}
	}
	return c.releaseNodes(ctx, ips, func(r *node.Record) { r.RemoveRoles(roles...) })
}

func (c *Coordinator) releaseNodes(ctx context.Context, ips []string, release func(*node.Record)) error {
	return c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
		for _, ip := range ips {
			r, err := c.loadNode(ctx, ip)
			if errors.Is(err, ErrNodeNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			release(r)
			if err := c.storeNode(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Report is the outcome of Reconcile.
type Report struct {
	// Extended lists expired nodes still in use whose lease grew by a period.
	Extended []string `json:"extended"`

	// Destroy lists expired idle nodes that can be terminated.
	Destroy []string `json:"destroy"`
}

// Reconcile checks every metered node's lease against now. The check and the
// extension happen under NodesLock so a concurrent claim cannot slip between.
func (c *Coordinator) Reconcile(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	err := c.WithLock(ctx, NodesLock, func(ctx context.Context) error {
		all, err := c.Nodes(ctx)
		if err != nil {
			return err
		}
		for _, r := range all {
			switch {
			case r.ShouldExtend(now):
				if err := r.Extend(); err != nil {
					return err
				}
				if err := c.storeNode(ctx, r); err != nil {
					return err
				}
				rep.Extended = append(rep.Extended, r.PublicIP)
			case r.ShouldDestroy(now):
				rep.Destroy = append(rep.Destroy, r.PublicIP)
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	c.logger.Info("reconciled node leases",
		zap.Strings("extended", rep.Extended),
		zap.Strings("destroy", rep.Destroy))
	return rep, nil
}

// --- in-flight jobs ---

// JobEntry records a delegated job while it runs elsewhere.
type JobEntry struct {
	JobID     string    `json:"job_id"`
	Queue     string    `json:"queue,omitempty"`
	Nodes     []string  `json:"nodes,omitempty"`
	Owner     string    `json:"owner"`
	StartedAt time.Time `json:"started_at"`
}

func (c *Coordinator) RegisterJob(ctx context.Context, e JobEntry) error {
	if e.JobID == "" || strings.Contains(e.JobID, "/") {
		return fmt.Errorf("register job: invalid job id %q", e.JobID)
	}
	if e.Owner == "" {
		e.Owner = c.owner
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = c.clock.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, c.path("jobs", e.JobID), data)
}

func (c *Coordinator) CompleteJob(ctx context.Context, jobID string) error {
	return c.store.Delete(ctx, c.path("jobs", jobID))
}

// InFlightJobs lists registered jobs sorted by id.
func (c *Coordinator) InFlightJobs(ctx context.Context) ([]JobEntry, error) {
	ids, err := c.store.Children(ctx, c.path("jobs"))
	if err != nil {
		return nil, err
	}
	out := make([]JobEntry, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := c.store.Get(ctx, c.path("jobs", id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var e JobEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			c.logger.Warn("skipping malformed job entry", zap.String("job_id", id), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Coordinator) Close() error { return c.store.Close() }
