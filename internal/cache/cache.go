// Package cache implements the broker's lease cache: fetched secret values
// held until their backend lease expires (or a configured default TTL for
// static secrets), with concurrent fetches of the same path coalesced into a
// single backend call.
//
// Cached secret material is kept in memguard-backed buffers so plaintext
// secrets are encrypted at rest in process memory.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/systmms/secretbroker/internal/metrics"
	"github.com/systmms/secretbroker/internal/secure"
	"github.com/systmms/secretbroker/pkg/backend"
)

// Loader fetches a value from the backend on a cache miss.
type Loader func(ctx context.Context) (backend.SecretValue, error)

type entry struct {
	buf    *secure.Buffer
	expiry time.Time
}

// Cache is a TTL cache keyed by secret path. Safe for concurrent use;
// fetches of the same uncached path are serialized, different paths proceed
// with unlimited concurrency.
type Cache struct {
	defaultTTL time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	gens    map[string]uint64
	epoch   uint64

	group singleflight.Group
}

// generation identifies the cache state a fetch started under. A fetch whose
// generation no longer matches was invalidated mid-flight and must not store
// its result.
type generation struct {
	path  uint64
	epoch uint64
}

// New creates a cache. defaultTTL applies to values without a backend lease.
func New(defaultTTL time.Duration) *Cache {
	return &Cache{
		defaultTTL: defaultTTL,
		entries:    make(map[string]*entry),
		gens:       make(map[string]uint64),
	}
}

// Get returns the cached value for path, or calls loader exactly once across
// all concurrent callers and caches the result. The second return reports a
// cache hit. Loader errors are returned to every waiter and never cached, so
// a timed-out fetch does not poison the entry.
func (c *Cache) Get(ctx context.Context, path string, loader Loader) (backend.SecretValue, bool, error) {
	if value, ok := c.lookup(path); ok {
		metrics.CacheHit(value.Backend)
		return value, true, nil
	}

	gen := c.generation(path)
	result, err, shared := c.group.Do(path, func() (interface{}, error) {
		// Another waiter may have populated the entry while this call was
		// queued behind a completing flight.
		if value, ok := c.lookup(path); ok {
			return value, nil
		}

		value, err := loader(ctx)
		if err != nil {
			return backend.SecretValue{}, err
		}
		c.put(path, value, gen)
		metrics.CacheMiss(value.Backend)
		return value, nil
	})
	if err != nil {
		return backend.SecretValue{}, false, err
	}

	value := result.(backend.SecretValue)
	if shared {
		metrics.CacheCoalesced(value.Backend)
	}
	return value.Clone(), false, nil
}

// Invalidate drops the entry for path. Called after successful rotation and
// after writes. An in-flight fetch of the same path is cut off: its result is
// not stored, and callers arriving after Invalidate start a fresh fetch
// instead of joining it.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		e.buf.Destroy()
		delete(c.entries, path)
	}
	c.gens[path]++
	c.mu.Unlock()

	c.group.Forget(path)
}

// Purge drops every entry. Called on broker shutdown.
func (c *Cache) Purge() {
	c.mu.Lock()
	paths := make([]string, 0, len(c.entries))
	for path, e := range c.entries {
		e.buf.Destroy()
		delete(c.entries, path)
		paths = append(paths, path)
	}
	// Bumping the epoch covers in-flight fetches for paths with no entry yet.
	c.epoch++
	c.mu.Unlock()

	for _, path := range paths {
		c.group.Forget(path)
	}
}

// Len returns the number of live (possibly expired) entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(path string) (backend.SecretValue, bool) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiry) {
		return backend.SecretValue{}, false
	}

	raw, err := e.buf.Bytes()
	if err != nil {
		// Destroyed under us; treat as a miss.
		return backend.SecretValue{}, false
	}
	var value backend.SecretValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return backend.SecretValue{}, false
	}
	return value, true
}

func (c *Cache) generation(path string) generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return generation{path: c.gens[path], epoch: c.epoch}
}

func (c *Cache) put(path string, value backend.SecretValue, gen generation) {
	raw, err := json.Marshal(value)
	if err != nil {
		// SecretValue is a plain string map; this cannot fail in practice.
		// Skip caching rather than fail the fetch.
		return
	}

	expiry := time.Now().Add(c.defaultTTL)
	if value.LeaseExpiry != nil {
		expiry = *value.LeaseExpiry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if (generation{path: c.gens[path], epoch: c.epoch}) != gen {
		// Invalidated while the fetch was in flight. Storing now would
		// resurrect a pre-rotation value until TTL expiry.
		return
	}
	if old, ok := c.entries[path]; ok {
		old.buf.Destroy()
	}
	c.entries[path] = &entry{buf: secure.NewBuffer(raw), expiry: expiry}
}
