package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eve.evalgo.org/ttl"
)

// Counter tracks retry attempts for a key (the stream message id) and
// clears them once a message is done being retried (success or give-up).
type Counter interface {
	Increment(ctx context.Context, key string) (int, error)
	Clear(ctx context.Context, key string) error
}

// LocalCounter tracks attempts in an in-memory map keyed by messageId;
// counts reset if the process restarts, matching the specification's
// LOCAL semantics (each node independently gets up to MaxAttempts tries).
// Grounded on the teacher's mutex-guarded in-memory state maps (the same
// "map[string]int behind a sync.Mutex, keyed by an identifier" idiom used
// throughout the teacher's coordination code).
type LocalCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewLocalCounter returns an empty local counter.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{counts: make(map[string]int)}
}

func (c *LocalCounter) Increment(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *LocalCounter) Clear(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// DistributedCounter tracks attempts as an atomic L2 counter keyed by
// <prefix>:<key> with a bounding TTL, so attempt totals are consistent
// across every node racing the same message.
type DistributedCounter struct {
	primitives *ttl.Primitives
	prefix     string
	ttl        time.Duration
}

// NewDistributedCounter wraps the shared TTL primitives.
func NewDistributedCounter(primitives *ttl.Primitives, prefix string, ttl time.Duration) *DistributedCounter {
	return &DistributedCounter{primitives: primitives, prefix: prefix, ttl: ttl}
}

func (c *DistributedCounter) key(key string) string {
	return fmt.Sprintf("%s:%s", c.prefix, key)
}

func (c *DistributedCounter) Increment(ctx context.Context, key string) (int, error) {
	n, err := c.primitives.IncrementWithTTL(ctx, c.key(key), c.ttl)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c *DistributedCounter) Clear(ctx context.Context, key string) error {
	_, err := c.primitives.Client.Del(ctx, c.key(key)).Result()
	return err
}

// HybridCounter routes each key to Local or Distributed counting based on
// policy.usesDistributed.
type HybridCounter struct {
	local       *LocalCounter
	distributed *DistributedCounter
	policy      RetryPolicy
}

// NewHybridCounter builds a router over both concrete counters.
func NewHybridCounter(local *LocalCounter, distributed *DistributedCounter, policy RetryPolicy) *HybridCounter {
	return &HybridCounter{local: local, distributed: distributed, policy: policy}
}

func (c *HybridCounter) pick(key string) Counter {
	if c.policy.usesDistributed(key) {
		return c.distributed
	}
	return c.local
}

func (c *HybridCounter) Increment(ctx context.Context, key string) (int, error) {
	return c.pick(key).Increment(ctx, key)
}

func (c *HybridCounter) Clear(ctx context.Context, key string) error {
	return c.pick(key).Clear(ctx, key)
}
