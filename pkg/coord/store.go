package coord

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnavailable indicates the coordination store could not be reached.
	ErrUnavailable = errors.New("coordination store unavailable")

	// ErrNoCapacity is returned when too few idle nodes exist for a claim.
	ErrNoCapacity = errors.New("no capacity")

	// ErrNodeNotFound is returned for an IP that is not in the node table.
	ErrNodeNotFound = errors.New("node not found")

	// ErrLockNotHeld is returned when releasing a lock this holder does not own.
	ErrLockNotHeld = errors.New("lock not held")
)

// Store is the minimal hierarchical key/value interface the coordinator
// needs. Paths are slash-separated and absolute.
type Store interface {
	// Get returns the value at path; ok is false when absent.
	Get(ctx context.Context, path string) (value []byte, ok bool, err error)

	Put(ctx context.Context, path string, value []byte) error

	// Delete removes path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// Children lists the names directly under dir, sorted.
	Children(ctx context.Context, dir string) ([]string, error)

	// CreateEphemeral creates path only if it does not exist. The entry
	// disappears when this store's session ends. created is false when the
	// path already existed.
	CreateEphemeral(ctx context.Context, path string, value []byte) (created bool, err error)

	Close() error
}

// MemStore is an in-process Store. Several coordinators sharing one MemStore
// behave like several nodes sharing a coordination service.
type MemStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	ephemeral map[string]bool
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte), ephemeral: make(map[string]bool)}
}

func (m *MemStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemStore) Put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, path)
	delete(m.ephemeral, path)
	return nil
}

func (m *MemStore) Children(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	return childNames(prefix, func(yield func(string)) {
		for k := range m.data {
			yield(k)
		}
	}), nil
}

func (m *MemStore) CreateEphemeral(ctx context.Context, path string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[path]; ok {
		return false, nil
	}
	m.data[path] = append([]byte(nil), value...)
	m.ephemeral[path] = true
	return true, nil
}

// DeleteIf removes path only while it holds value.
func (m *MemStore) DeleteIf(ctx context.Context, path string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[path]
	if !ok || string(cur) != string(value) {
		return false, nil
	}
	delete(m.data, path)
	delete(m.ephemeral, path)
	return true, nil
}

// Expire drops every ephemeral entry, as if the owning session had ended.
func (m *MemStore) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.ephemeral {
		delete(m.data, p)
	}
	m.ephemeral = make(map[string]bool)
}

func (m *MemStore) Close() error { return nil }

// childNames collects the distinct first path segments below prefix.
func childNames(prefix string, keys func(yield func(string))) []string {
	seen := make(map[string]struct{})
	keys(func(k string) {
		if !strings.HasPrefix(k, prefix) {
			return
		}
		rest := k[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = struct{}{}
		}
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
