package tiercache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock key only if it still holds the caller's
// token, so a lock can never be released by a holder other than the one
// that acquired it (the same correctness concern db/repository/redis.go's
// plain Del-based ReleaseLock doesn't address).
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// releaseReaderScript decrements the shared reader-count key and removes it
// once it reaches zero, atomically.
var releaseReaderScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
end
return n
`)

// LockMode distinguishes shared (reader) from exclusive (writer) acquisition
// of the per-entity RW-lock described in the specification (§4.2, §5).
type LockMode int

const (
	// Shared allows any number of concurrent holders, but none while an
	// exclusive holder is active.
	Shared LockMode = iota
	// Exclusive excludes both other exclusive holders and shared readers.
	Exclusive
)

// DefaultLockWaitTimeout and DefaultLockHoldTimeout are the specification's
// defaults for acquiring and auto-expiring a distributed RW-lock.
const (
	DefaultLockWaitTimeout = 5 * time.Second
	DefaultLockHoldTimeout = 30 * time.Second
)

// lockRetryInterval is how often Acquire polls while waiting for a busy
// lock to free up.
const lockRetryInterval = 25 * time.Millisecond

// Handle represents an acquired lock; Release must be called exactly once.
type Handle struct {
	l2    *L2
	key   string
	token string
	mode  LockMode
}

func writerKey(key string) string { return key + ":rw-lock" }
func readerKey(key string) string { return key + ":rw-lock:readers" }

// Acquire blocks (polling) until the named key's RW-lock can be taken in
// the requested mode, or waitTimeout elapses, in which case it returns a
// ResourceError-classified error (the caller maps this to ResourceError;
// see the errors package in entityservice).
func (c *L2) Acquire(ctx context.Context, key string, mode LockMode, waitTimeout, holdTimeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(waitTimeout)
	token := uuid.NewString()

	for {
		ok, err := c.tryAcquire(ctx, key, mode, token, holdTimeout)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Handle{l2: c, key: key, token: token, mode: mode}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tiercache: lock wait timeout for %s", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (c *L2) tryAcquire(ctx context.Context, key string, mode LockMode, token string, holdTimeout time.Duration) (bool, error) {
	switch mode {
	case Exclusive:
		// An exclusive holder must see no writer and no readers.
		readers, err := c.Client.Exists(ctx, readerKey(key)).Result()
		if err != nil {
			return false, fmt.Errorf("tiercache: lock check readers: %w", err)
		}
		if readers > 0 {
			return false, nil
		}
		set, err := c.Client.SetNX(ctx, writerKey(key), token, holdTimeout).Result()
		if err != nil {
			return false, fmt.Errorf("tiercache: lock acquire: %w", err)
		}
		return set, nil

	default: // Shared
		held, err := c.Client.Exists(ctx, writerKey(key)).Result()
		if err != nil {
			return false, fmt.Errorf("tiercache: lock check writer: %w", err)
		}
		if held > 0 {
			return false, nil
		}
		n, err := c.Client.Incr(ctx, readerKey(key)).Result()
		if err != nil {
			return false, fmt.Errorf("tiercache: lock reader incr: %w", err)
		}
		if n == 1 {
			c.Client.Expire(ctx, readerKey(key), holdTimeout)
		}
		// Re-check no writer slipped in between the Exists check and the
		// Incr; if one did, back off this reader immediately.
		held, err = c.Client.Exists(ctx, writerKey(key)).Result()
		if err != nil {
			return false, fmt.Errorf("tiercache: lock recheck writer: %w", err)
		}
		if held > 0 {
			releaseReaderScript.Run(ctx, c.Client, []string{readerKey(key)})
			return false, nil
		}
		return true, nil
	}
}

// Release gives up the lock. Releasing an Exclusive handle a second time is
// a no-op; a Shared handle's second Release decrements the shared reader
// count again.
func (h *Handle) Release(ctx context.Context) error {
	if h.mode == Exclusive {
		if err := unlockScript.Run(ctx, h.l2.Client, []string{writerKey(h.key)}, h.token).Err(); err != nil {
			return fmt.Errorf("tiercache: lock release: %w", err)
		}
		return nil
	}
	if err := releaseReaderScript.Run(ctx, h.l2.Client, []string{readerKey(h.key)}).Err(); err != nil {
		return fmt.Errorf("tiercache: lock release: %w", err)
	}
	return nil
}

// IsLocked reports whether the named key currently has an exclusive holder
// or at least one shared reader.
func (c *L2) IsLocked(ctx context.Context, key string) (bool, error) {
	w, err := c.Client.Exists(ctx, writerKey(key)).Result()
	if err != nil {
		return false, err
	}
	if w > 0 {
		return true, nil
	}
	r, err := c.Client.Exists(ctx, readerKey(key)).Result()
	if err != nil {
		return false, err
	}
	return r > 0, nil
}
