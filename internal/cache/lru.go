// Package cache provides the scoring-result caches used by the API and the
// worker: an in-process LRU, Redis, and a two-phase combination of both.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
)

// DefaultLocalSize bounds an LRU cache created with a non-positive size.
const DefaultLocalSize = 10000

// LRUCache is a thread-safe LRU cache with per-entry expiry.
// Used as the community cache and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counterEntry
	now      func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = DefaultLocalSize
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
	}
}

// Get returns the value under key, or nil when absent or expired.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if !c.now().Before(entry.expiresAt) {
		c.remove(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value under key for ttl, evicting the least recently used
// entries beyond capacity.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expires
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value, expiresAt: expires})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	return nil
}

// GetResult returns the cached result for txHash.
func (c *LRUCache) GetResult(ctx context.Context, txHash string) (*domain.ScoringResult, error) {
	data, err := c.Get(ctx, resultKey(txHash))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeResult(data)
}

// SetResult caches result under txHash.
func (c *LRUCache) SetResult(ctx context.Context, txHash string, result *domain.ScoringResult, ttl time.Duration) error {
	data, err := encodeResult(result)
	if err != nil {
		return err
	}
	return c.Set(ctx, resultKey(txHash), data, ttl)
}

// IncrementCounter increments key and starts a new window when the
// previous one has expired.
func (c *LRUCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.counters[key]
	if !ok || !now.Before(entry.expiresAt) {
		c.counters[key] = &counterEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	entry.count++
	return entry.count, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.counters = make(map[string]*counterEntry)
	return nil
}

// Stats returns the entry count and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
