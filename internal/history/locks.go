package history

import "sync"

// KeyLocks is a striped mutex keyed by group key. Two keys that hash to the
// same stripe serialize; distinct stripes run concurrently.
type KeyLocks struct {
	stripes []sync.Mutex
}

// NewKeyLocks creates n stripes.
func NewKeyLocks(n int) *KeyLocks {
	if n <= 0 {
		n = DefaultShards
	}
	return &KeyLocks{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its release func.
func (l *KeyLocks) Lock(key string) (unlock func()) {
	m := &l.stripes[shardIndex(NormalizeKey(key), len(l.stripes))]
	m.Lock()
	return m.Unlock
}
