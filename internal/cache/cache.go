package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
)

// New creates a cache from configuration: "memory" returns an LRU cache,
// "redis" a Redis cache, or a two-phase LRU+Redis cache when enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

func resultKey(txHash string) string {
	return "result:" + txHash
}

func encodeResult(r *domain.ScoringResult) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func decodeResult(data []byte) (*domain.ScoringResult, error) {
	var r domain.ScoringResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2) and writes
// to both.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache connects the Redis tier and wraps it with an LRU.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

// Get checks L1, then L2, filling L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.local.Get(ctx, key); val != nil {
		return val, nil
	}
	val, err := c.remote.Get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.local.Set(ctx, key, val, c.l1TTL)
	return val, nil
}

// Set writes L1 with at most the L1 TTL and L2 with the full TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = c.local.Set(ctx, key, value, c.localTTL(ttl))
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

// GetResult reads a cached result through both tiers.
func (c *TwoPhaseCache) GetResult(ctx context.Context, txHash string) (*domain.ScoringResult, error) {
	data, err := c.Get(ctx, resultKey(txHash))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeResult(data)
}

// SetResult caches result in both tiers.
func (c *TwoPhaseCache) SetResult(ctx context.Context, txHash string, result *domain.ScoringResult, ttl time.Duration) error {
	data, err := encodeResult(result)
	if err != nil {
		return err
	}
	return c.Set(ctx, resultKey(txHash), data, ttl)
}

// IncrementCounter uses L2 only so counts agree across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

// Ping checks both tiers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
