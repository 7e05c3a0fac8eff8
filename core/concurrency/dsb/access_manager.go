// Package dsb implements the resource manager's view of row storage: an
// in-memory access manager that serves reads locally when it can, and a
// client that fetches from the remote data storage broker on miss
// (spec.md §4.4's "else if access_mgr has (table,shard,key) -> serve
// locally, else -> send ccb_read_request"). Neither the access manager's
// own persistence nor the DSB's internals are this module's concern
// (spec.md §1 out-of-scope); AccessManager here is the in-memory
// front spec.md's transaction driver actually touches.
package dsb

import (
	"sync"

	"github.com/shardtx/txcore/core/transaction"
)

// Key identifies a row the same way a lock does: (table, shard, tuple).
type Key struct {
	Table transaction.TableID
	Shard transaction.ShardID
	Tuple transaction.TupleID
}

// AccessManager is an in-memory cache of row post-images with no size bound
// or eviction (entries leave only through Delete), sharded by
// a fixed bucket count with one mutex per bucket — the same sharded-map
// idiom core/concurrency/lockmgr uses for lock slots, applied here to avoid
// a single global mutex serializing every read across every shard.
type AccessManager struct {
	buckets []amBucket
}

type amBucket struct {
	mu   sync.RWMutex
	rows map[Key][]byte
}

const accessManagerBuckets = 64

// NewAccessManager returns an empty access manager.
func NewAccessManager() *AccessManager {
	am := &AccessManager{buckets: make([]amBucket, accessManagerBuckets)}
	for i := range am.buckets {
		am.buckets[i].rows = make(map[Key][]byte)
	}
	return am
}

func (am *AccessManager) bucket(k Key) *amBucket {
	h := uint64(k.Table)*1000003 + uint64(k.Shard)*101 + uint64(k.Tuple)
	return &am.buckets[h%uint64(len(am.buckets))]
}

// Get returns the cached post-image for key, if any.
func (am *AccessManager) Get(key Key) ([]byte, bool) {
	b := am.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, ok := b.rows[key]
	return row, ok
}

// Put caches value for key, overwriting any prior value (used both after a
// DSB read miss and after a local INSERT/UPDATE commits).
func (am *AccessManager) Put(key Key, value []byte) {
	b := am.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[key] = append([]byte(nil), value...)
}

// Delete removes key, used after a committed REMOVE.
func (am *AccessManager) Delete(key Key) {
	b := am.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, key)
}
