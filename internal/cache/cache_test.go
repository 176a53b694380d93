package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)
		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return now }

		_ = c.Set(ctx, "expiring", []byte("temp"), time.Minute)
		if val, _ := c.Get(ctx, "expiring"); val == nil {
			t.Fatal("expected value before expiry")
		}
		now = now.Add(time.Minute)
		if val, _ := c.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiry")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry evicted, size %d", size)
		}
	})

	t.Run("Eviction", func(t *testing.T) {
		c := NewLRUCache(3)
		for i := 0; i < 3; i++ {
			_ = c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
		}
		// touch k0 so k1 becomes the oldest
		_, _ = c.Get(ctx, "k0")
		_ = c.Set(ctx, "k3", []byte("v"), time.Minute)

		if val, _ := c.Get(ctx, "k1"); val != nil {
			t.Error("expected k1 evicted")
		}
		if val, _ := c.Get(ctx, "k0"); val == nil {
			t.Error("expected k0 retained")
		}
		if size, capacity := c.Stats(); size != 3 || capacity != 3 {
			t.Errorf("expected 3/3, got %d/%d", size, capacity)
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return now }

		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrementCounter(ctx, "seen:0x1", time.Hour)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("expected %d, got %d", want, got)
			}
		}
		now = now.Add(time.Hour)
		if got, _ := c.IncrementCounter(ctx, "seen:0x1", time.Hour); got != 1 {
			t.Errorf("expected counter reset to 1, got %d", got)
		}
	})

	t.Run("DefaultSize", func(t *testing.T) {
		if _, capacity := NewLRUCache(0).Stats(); capacity != DefaultLocalSize {
			t.Errorf("expected capacity %d, got %d", DefaultLocalSize, capacity)
		}
	})
}

func TestResultCaching(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(10)

	result := &domain.ScoringResult{
		ID:         "eval-1",
		TxHash:     "0xabc",
		RiskScore:  65,
		RiskLevel:  domain.RiskHigh,
		RiskTags:   []string{"mixer_inflow"},
		FiredRules: []domain.FiredRule{{RuleID: "E-101", Score: 40}},
		Alert:      true,
	}
	if err := cache.SetResult(ctx, "0xabc", result, time.Minute); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}

	got, err := cache.GetResult(ctx, "0xabc")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got == nil || got.ID != "eval-1" || got.RiskLevel != domain.RiskHigh || len(got.FiredRules) != 1 {
		t.Errorf("unexpected cached result %+v", got)
	}

	if miss, _ := cache.GetResult(ctx, "0xdef"); miss != nil {
		t.Errorf("expected miss, got %+v", miss)
	}
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	remote := NewLRUCache(10)
	c := newTwoPhase(NewLRUCache(10), remote, time.Minute)

	t.Run("WritesBothTiers", func(t *testing.T) {
		if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := remote.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected remote value 'v', got '%s'", val)
		}
		if val, _ := c.local.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected local value 'v', got '%s'", val)
		}
	})

	t.Run("FillsL1FromL2", func(t *testing.T) {
		_ = remote.Set(ctx, "only-remote", []byte("r"), time.Hour)
		val, err := c.Get(ctx, "only-remote")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "r" {
			t.Errorf("expected 'r', got '%s'", val)
		}
		if val, _ := c.local.Get(ctx, "only-remote"); string(val) != "r" {
			t.Error("expected L1 populated after L2 hit")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Delete(ctx, "k")
		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("Results", func(t *testing.T) {
		_ = c.SetResult(ctx, "0x1", &domain.ScoringResult{TxHash: "0x1", RiskScore: 12}, time.Hour)
		got, err := c.GetResult(ctx, "0x1")
		if err != nil || got == nil || got.RiskScore != 12 {
			t.Errorf("unexpected result %+v (err %v)", got, err)
		}
	})

	t.Run("CountersUseRemote", func(t *testing.T) {
		_, _ = c.IncrementCounter(ctx, "n", time.Hour)
		if got, _ := remote.IncrementCounter(ctx, "n", time.Hour); got != 2 {
			t.Errorf("expected remote counter 2, got %d", got)
		}
	})

	t.Run("L1TTLBounded", func(t *testing.T) {
		if got := c.localTTL(time.Hour); got != time.Minute {
			t.Errorf("expected %v, got %v", time.Minute, got)
		}
		if got := c.localTTL(time.Second); got != time.Second {
			t.Errorf("expected %v, got %v", time.Second, got)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected *LRUCache, got %T", c)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
