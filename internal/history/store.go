// Package history holds the process-lifetime transaction history used by
// window, bucket, statistics and graph rules.
package history

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/tracex/internal/domain"
)

const secondsPerDay = 86400

// Defaults.
const (
	DefaultRetentionDays = 365
	DefaultShards        = 64
)

// Option configures a Store or BucketIndex.
type Option func(*options)

type options struct {
	retentionDays int
	shards        int
	now           func() time.Time
}

func defaultOptions() options {
	return options{
		retentionDays: DefaultRetentionDays,
		shards:        DefaultShards,
		now:           time.Now,
	}
}

// WithRetentionDays sets the retention horizon.
func WithRetentionDays(days int) Option {
	return func(o *options) {
		if days > 0 {
			o.retentionDays = days
		}
	}
}

// WithShards sets the shard count.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithClock replaces the wall clock used for retention.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// cutoff returns the oldest retained timestamp.
func (o options) cutoff() int64 {
	return o.now().Unix() - int64(o.retentionDays)*secondsPerDay
}

// NormalizeKey lower-cases and trims a group key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func shardIndex(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

type shard struct {
	mu      sync.RWMutex
	entries map[string][]*domain.Transaction
}

// Store is a sharded map of group key to append-ordered transactions.
// Stored transactions are treated as immutable.
type Store struct {
	opts   options
	shards []*shard
}

// NewStore creates an empty history store.
func NewStore(opts ...Option) *Store {
	o := buildOptions(opts)
	s := &Store{opts: o, shards: make([]*shard, o.shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string][]*domain.Transaction)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[shardIndex(key, len(s.shards))]
}

// RetentionDays returns the configured retention horizon.
func (s *Store) RetentionDays() int {
	return s.opts.retentionDays
}

// Add appends tx under key and prunes that key.
func (s *Store) Add(key string, tx *domain.Transaction) {
	key = NormalizeKey(key)
	if key == "" || tx == nil {
		return
	}
	sh := s.shardFor(key)
	cutoff := s.opts.cutoff()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[key] = prune(append(sh.entries[key], tx), cutoff)
}

// prune drops entries older than cutoff in place. Entries with an unknown
// timestamp are kept.
func prune(txs []*domain.Transaction, cutoff int64) []*domain.Transaction {
	kept := txs[:0]
	for _, tx := range txs {
		if ts := tx.Unix(); ts == 0 || ts >= cutoff {
			kept = append(kept, tx)
		}
	}
	for i := len(kept); i < len(txs); i++ {
		txs[i] = nil
	}
	return kept
}

// Window returns the entries of key with nowTs-durationSec <= ts <= nowTs.
func (s *Store) Window(key string, nowTs, durationSec int64) []*domain.Transaction {
	key = NormalizeKey(key)
	start := nowTs - durationSec
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	var out []*domain.Transaction
	for _, tx := range sh.entries[key] {
		ts := tx.Unix()
		if ts == 0 {
			continue
		}
		if ts >= start && ts <= nowTs {
			out = append(out, tx)
		}
	}
	return out
}

// Snapshot returns a copy of every entry for key.
func (s *Store) Snapshot(key string) []*domain.Transaction {
	key = NormalizeKey(key)
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	src := sh.entries[key]
	out := make([]*domain.Transaction, len(src))
	copy(out, src)
	return out
}

// Count returns the number of entries held for key.
func (s *Store) Count(key string) int {
	key = NormalizeKey(key)
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.entries[key])
}

// Sweep prunes every key against the retention horizon and drops empty
// keys. It returns the number of entries removed.
func (s *Store) Sweep() int {
	cutoff := s.opts.cutoff()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, txs := range sh.entries {
			before := len(txs)
			kept := prune(txs, cutoff)
			removed += before - len(kept)
			if len(kept) == 0 {
				delete(sh.entries, key)
				continue
			}
			sh.entries[key] = kept
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the total number of stored entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, txs := range sh.entries {
			n += len(txs)
		}
		sh.mu.RUnlock()
	}
	return n
}

// Keys returns every group key in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}
