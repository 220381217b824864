package backends

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// Cache shares backend instances between jobs that present the same backend
// name and credential set. Jobs with different credentials never share.
type Cache struct {
	opts []Option

	mu       sync.Mutex
	storages map[string]*storage.Backend
	queues   map[string]queue.Backend
	group    singleflight.Group
}

func NewCache(opts ...Option) *Cache {
	return &Cache{
		opts:     opts,
		storages: make(map[string]*storage.Backend),
		queues:   make(map[string]queue.Backend),
	}
}

// cacheKey identifies a (kind, credentials) pair without keeping the secret
// values in the key.
func cacheKey(prefix, name string, creds map[string]string) string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(creds[k])))
		h.Write([]byte{0})
	}
	return prefix + ":" + strings.ToLower(strings.TrimSpace(name)) + ":" + hex.EncodeToString(h.Sum(nil))
}

// Storage returns the cached backend for (name, creds), building it on first
// use. Concurrent first uses build it once.
func (c *Cache) Storage(ctx context.Context, name string, creds storage.Credentials) (*storage.Backend, error) {
	key := cacheKey("storage", name, creds)
	c.mu.Lock()
	if b, ok := c.storages[key]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if b, ok := c.storages[key]; ok {
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()

		b, err := NewStorage(ctx, name, creds, c.opts...)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.storages[key] = b
		c.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Backend), nil
}

// Queue returns the cached queue for (name, creds), building it on first use.
func (c *Cache) Queue(ctx context.Context, name string, creds queue.Credentials) (queue.Backend, error) {
	key := cacheKey("queue", name, creds)
	c.mu.Lock()
	if b, ok := c.queues[key]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if b, ok := c.queues[key]; ok {
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()

		b, err := NewQueue(ctx, name, creds, c.opts...)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.queues[key] = b
		c.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(queue.Backend), nil
}

// Len reports how many backends are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.storages) + len(c.queues)
}

// Close closes and forgets every cached backend.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for k, b := range c.storages {
		errs = append(errs, b.Close())
		delete(c.storages, k)
	}
	for k, b := range c.queues {
		errs = append(errs, b.Close())
		delete(c.queues, k)
	}
	return errors.Join(errs...)
}
