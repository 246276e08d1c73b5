// Package tiercache implements the L1 process-local cache and the L2 client
// wrapper over the shared distributed cache, including the distributed
// read-write lock used to guard persistence cycles.
package tiercache

import (
	"sync"
	"sync/atomic"
	"time"

	"eve.evalgo.org/entity"
)

// L1Config controls the bounded-size eviction and optional idle expiry of
// the process-local tier.
type L1Config struct {
	MaxEntries int           // 0 means unbounded
	IdleExpiry time.Duration // 0 means no idle expiry
}

type l1Entry struct {
	record  *entity.Record
	touched atomic.Int64 // UnixNano of last access, updated without a lock
}

// L1 is a bounded, concurrent map with size-based LRU-ish eviction and
// optional idle expiry. Recency is tracked on each l1Entry via an atomic
// counter rather than a linked list, so Get only ever needs a shared
// RLock: a concurrent flood of reads never serializes on each other,
// matching the specification's "reads are lock-free relative to other
// reads" invariant. Eviction (exact LRU, picking the globally
// least-recently-touched entry) and idle-expiry removal both need the
// exclusive lock, but only run off the less frequent write path or after
// an optimistic re-check finds an entry actually expired.
type L1 struct {
	mu      sync.RWMutex
	entries map[string]*l1Entry
	cfg     L1Config
}

// NewL1 creates an L1 cache with the given bounds.
func NewL1(cfg L1Config) *L1 {
	return &L1{
		entries: make(map[string]*l1Entry),
		cfg:     cfg,
	}
}

// Get returns the cached record for uuid, or nil if absent or idle-expired.
func (c *L1) Get(uuid string) *entity.Record {
	c.mu.RLock()
	e, ok := c.entries[uuid]
	if !ok {
		c.mu.RUnlock()
		return nil
	}
	if c.cfg.IdleExpiry > 0 && time.Since(time.Unix(0, e.touched.Load())) > c.cfg.IdleExpiry {
		c.mu.RUnlock()
		c.evictIfStillExpired(uuid)
		return nil
	}
	e.touched.Store(time.Now().UnixNano())
	record := e.record.Clone()
	c.mu.RUnlock()
	return record
}

// evictIfStillExpired re-checks uuid under the exclusive lock before
// removing it, since another goroutine may have refreshed or replaced the
// entry between Get's optimistic read and this call.
func (c *L1) evictIfStillExpired(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[uuid]
	if !ok {
		return
	}
	if c.cfg.IdleExpiry > 0 && time.Since(time.Unix(0, e.touched.Load())) > c.cfg.IdleExpiry {
		delete(c.entries, uuid)
	}
}

// Put inserts or overwrites the cached record for its uuid, evicting the
// least-recently-used entry if MaxEntries is exceeded.
func (c *L1) Put(r *entity.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[r.UUID]; ok {
		existing.record = r.Clone()
		existing.touched.Store(time.Now().UnixNano())
		return
	}

	e := &l1Entry{record: r.Clone()}
	e.touched.Store(time.Now().UnixNano())
	c.entries[r.UUID] = e

	if c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries {
		c.evictLeastRecentlyUsedLocked()
	}
}

// evictLeastRecentlyUsedLocked scans every resident entry for the oldest
// touched time and removes it. Called only from Put, already holding the
// exclusive lock, so an O(n) scan here never contends with concurrent
// Get calls.
func (c *L1) evictLeastRecentlyUsedLocked() {
	var oldestUUID string
	var oldestTime int64
	first := true
	for uuid, e := range c.entries {
		t := e.touched.Load()
		if first || t < oldestTime {
			oldestUUID, oldestTime = uuid, t
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestUUID)
	}
}

// Invalidate drops uuid from L1 if present. Safe to call for a uuid that
// isn't cached.
func (c *L1) Invalidate(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, uuid)
}

// Snapshot returns a copy of every record currently resident in L1, used by
// the L1->L2 sync cycle.
func (c *L1) Snapshot() []*entity.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*entity.Record, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.record.Clone())
	}
	return out
}

// Len reports the number of entries currently resident.
func (c *L1) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
