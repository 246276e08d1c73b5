// Package ttl implements the four atomic TTL primitives the specification
// requires against the L2 tier, each composed from at most two round-trips
// by using server-side Lua scripting (extending the atomic-counter idiom
// already present in the teacher's Redis repository wrapper).
package ttl

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default TTLs from the specification's configuration table.
const (
	DefaultEntityTTL = 30 * time.Minute
	DefaultPlayerTTL = 24 * time.Hour
)

// incrementWithTTLScript atomically increments key and, only if it was the
// first write to a previously-absent key, applies an expiry.
var incrementWithTTLScript = redis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
local n = redis.call("INCR", KEYS[1])
if existed == 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// setTTLIfMissingScript applies an expiry only to a key that currently has
// none (TTL == -1), leaving an already-bounded key's residual TTL alone.
var setTTLIfMissingScript = redis.NewScript(`
local ttl = redis.call("TTL", KEYS[1])
if ttl == -1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// Primitives wraps a Redis-protocol client to provide the four TTL
// operations. It is safe to construct around the same client a tiercache.L2
// uses, since it only touches its own keys.
type Primitives struct {
	Client *redis.Client
}

// New wraps an existing client.
func New(client *redis.Client) *Primitives {
	return &Primitives{Client: client}
}

// IncrementWithTTL atomically increments key and, if key did not already
// exist, applies ttl. Returns the post-increment value.
func (p *Primitives) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrementWithTTLScript.Run(ctx, p.Client, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("ttl: increment with ttl: %w", err)
	}
	return res, nil
}

// SetTTLIfExists applies ttl to key only if it currently exists. Returns
// false, nil if the key was absent (a no-op, not an error).
func (p *Primitives) SetTTLIfExists(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := p.Client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ttl: set if exists: %w", err)
	}
	return ok, nil
}

// SetTTLIfMissingTTL applies ttl to key only if key currently has no TTL of
// its own (i.e. is unbounded). A key that already carries a TTL is left
// untouched.
func (p *Primitives) SetTTLIfMissingTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	applied, err := setTTLIfMissingScript.Run(ctx, p.Client, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("ttl: set if missing ttl: %w", err)
	}
	return applied == 1, nil
}

// ProcessBucketTTL idempotently ensures key carries ttl, for use during
// bulk maintenance scans; repeated calls are harmless.
func (p *Primitives) ProcessBucketTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := p.Client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("ttl: process bucket ttl: %w", err)
	}
	return nil
}
