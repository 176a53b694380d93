package history

import (
	"sync"

	"github.com/opensource-finance/tracex/internal/domain"
)

type bucketShard struct {
	mu     sync.Mutex
	groups map[string]map[int64][]*domain.Transaction
}

// BucketIndex groups transactions into fixed, left-aligned time buckets per
// group key.
type BucketIndex struct {
	opts   options
	shards []*bucketShard
}

// NewBucketIndex creates an empty index.
func NewBucketIndex(opts ...Option) *BucketIndex {
	o := buildOptions(opts)
	b := &BucketIndex{opts: o, shards: make([]*bucketShard, o.shards)}
	for i := range b.shards {
		b.shards[i] = &bucketShard{groups: make(map[string]map[int64][]*domain.Transaction)}
	}
	return b
}

// BucketStart returns floor(ts/size)*size.
func BucketStart(ts, size int64) int64 {
	if size <= 0 {
		size = domain.DefaultBucketSize
	}
	return (ts / size) * size
}

// Add inserts tx into the bucket of group starting at start, prunes buckets
// of that group older than the retention horizon and returns a copy of the
// bucket's contents. Adding the same transaction twice is a no-op.
func (b *BucketIndex) Add(group string, start, size int64, tx *domain.Transaction) []*domain.Transaction {
	if size <= 0 {
		size = domain.DefaultBucketSize
	}
	sh := b.shards[shardIndex(group, len(b.shards))]
	horizon := BucketStart(b.opts.cutoff(), size)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	buckets := sh.groups[group]
	if buckets == nil {
		buckets = make(map[int64][]*domain.Transaction)
		sh.groups[group] = buckets
	}
	if !contains(buckets[start], tx) {
		buckets[start] = append(buckets[start], tx)
	}
	for s := range buckets {
		if s < horizon {
			delete(buckets, s)
		}
	}

	cur := buckets[start]
	out := make([]*domain.Transaction, len(cur))
	copy(out, cur)
	return out
}

// Sweep drops expired buckets of every group for the given bucket size and
// returns the number of buckets removed.
func (b *BucketIndex) Sweep(size int64) int {
	horizon := BucketStart(b.opts.cutoff(), size)
	removed := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		for group, buckets := range sh.groups {
			for s := range buckets {
				if s < horizon {
					delete(buckets, s)
					removed++
				}
			}
			if len(buckets) == 0 {
				delete(sh.groups, group)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Groups returns the number of tracked groups.
func (b *BucketIndex) Groups() int {
	n := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		n += len(sh.groups)
		sh.mu.Unlock()
	}
	return n
}

func contains(txs []*domain.Transaction, tx *domain.Transaction) bool {
	for _, t := range txs {
		if t == tx {
			return true
		}
	}
	return false
}
