package accepter

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dedupBucket = "accepter_dedup"

type dedupRecord struct {
	SeenAt int64 `json:"seenAt"`
}

// DedupSet is the per-node, bounded, TTL'd messageId de-dup set the
// specification's isRecordLimit hint requires. It persists to a local
// bbolt file (adapted from the teacher's db/bolt wrapper) so the set
// survives a node restart instead of quietly re-processing everything
// still in flight.
type DedupSet struct {
	db         *bolt.DB
	maxEntries int
	ttl        time.Duration
}

// OpenDedupSet opens (creating if absent) a bbolt-backed de-dup set at
// path, bounded to maxEntries and expiring entries after ttl.
func OpenDedupSet(path string, maxEntries int, ttl time.Duration) (*DedupSet, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dedupBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DedupSet{db: db, maxEntries: maxEntries, ttl: ttl}, nil
}

// Seen reports whether messageID was already marked processed and hasn't
// expired. An expired entry is treated as not-seen.
func (d *DedupSet) Seen(messageID string) (bool, error) {
	var seen bool
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dedupBucket))
		raw := b.Get([]byte(messageID))
		if raw == nil {
			return nil
		}
		var rec dedupRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if d.ttl > 0 && time.Since(time.UnixMilli(rec.SeenAt)) > d.ttl {
			return nil
		}
		seen = true
		return nil
	})
	return seen, err
}

// Mark records messageID as processed, evicting the oldest entries if the
// set exceeds maxEntries.
func (d *DedupSet) Mark(messageID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dedupBucket))

		raw, err := json.Marshal(dedupRecord{SeenAt: time.Now().UnixMilli()})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(messageID), raw); err != nil {
			return err
		}
		if d.maxEntries <= 0 {
			return nil
		}
		return evictOldest(b, d.maxEntries)
	})
}

func evictOldest(b *bolt.Bucket, maxEntries int) error {
	type entry struct {
		key    []byte
		seenAt int64
	}
	var entries []entry
	if err := b.ForEach(func(k, v []byte) error {
		var rec dedupRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		entries = append(entries, entry{key: append([]byte(nil), k...), seenAt: rec.SeenAt})
		return nil
	}); err != nil {
		return err
	}
	if len(entries) <= maxEntries {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seenAt < entries[j].seenAt })
	for _, e := range entries[:len(entries)-maxEntries] {
		if err := b.Delete(e.key); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying bbolt file.
func (d *DedupSet) Close() error {
	return d.db.Close()
}
