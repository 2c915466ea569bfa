package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// sweepEvery bounds how often Set scans for expired entries.
const sweepEvery = time.Minute

// MemoryClient is an in-process cache for development and tests. Expired
// entries are dropped lazily on read and swept opportunistically on write,
// so the client owns no background goroutine and Close is trivial.
type MemoryClient struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	capacity  int
	nextSweep time.Time
}

type memoryEntry struct {
	payload  []byte
	deadline time.Time
}

// NewMemoryClient creates an in-memory cache holding at most capacity entries.
func NewMemoryClient(capacity int) *MemoryClient {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryClient{
		entries:   make(map[string]memoryEntry),
		capacity:  capacity,
		nextSweep: time.Now().Add(sweepEvery),
	}
}

// Get returns the cached value or ErrCacheMiss.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if time.Now().After(e.deadline) {
		delete(c.entries, key)
		return nil, ErrCacheMiss
	}
	return e.payload, nil
}

// Set stores a value until ttl elapses.
func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.After(c.nextSweep) {
		c.sweep(now)
	}
	if len(c.entries) >= c.capacity {
		c.evictNearestDeadline()
	}
	c.entries[key] = memoryEntry{payload: value, deadline: now.Add(ttl)}
	return nil
}

// Delete removes a single key.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// DeleteByPrefix removes every key with the prefix and reports how many went.
func (c *MemoryClient) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds for the in-memory cache.
func (c *MemoryClient) Ping(ctx context.Context) error {
	return nil
}

// Close implements Client; the memory cache holds no external resources.
func (c *MemoryClient) Close() error {
	return nil
}

// sweep drops expired entries. Caller holds the lock.
func (c *MemoryClient) sweep(now time.Time) {
	for key, e := range c.entries {
		if now.After(e.deadline) {
			delete(c.entries, key)
		}
	}
	c.nextSweep = now.Add(sweepEvery)
}

// evictNearestDeadline makes room by dropping the entry closest to expiry.
// Caller holds the lock.
func (c *MemoryClient) evictNearestDeadline() {
	var victim string
	var nearest time.Time
	for key, e := range c.entries {
		if victim == "" || e.deadline.Before(nearest) {
			victim = key
			nearest = e.deadline
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
