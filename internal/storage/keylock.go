package storage

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type keyLockEntry struct {
	mu   sync.Mutex
	refs int // guarded by the owning cmap shard
}

// KeyedMutex hands out one mutex per key, created on demand. Entries are
// dropped once nobody holds or waits for them, so the registry stays as small
// as the set of keys currently in use.
type KeyedMutex struct {
	entries cmap.ConcurrentMap[string, *keyLockEntry]
}

// NewKeyedMutex returns an empty registry.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: cmap.New[*keyLockEntry]()}
}

// Lock blocks until key is free and returns the matching unlock function.
// Locks on different keys never contend beyond the map shard access.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	e := k.entries.Upsert(key, nil, func(exist bool, cur, _ *keyLockEntry) *keyLockEntry {
		if !exist {
			cur = &keyLockEntry{}
		}
		cur.refs++
		return cur
	})
	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.entries.RemoveCb(key, func(_ string, cur *keyLockEntry, exists bool) bool {
				if !exists {
					return false
				}
				cur.refs--
				return cur.refs == 0
			})
		})
	}
}

// Len returns the number of keys currently locked or awaited.
func (k *KeyedMutex) Len() int {
	return k.entries.Count()
}
