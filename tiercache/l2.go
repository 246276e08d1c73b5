package tiercache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eve.evalgo.org/entity"
)

// L2 wraps a shared Redis-protocol client with the typed get/set, key
// derivation, and TTL semantics the specification assigns to the L2 tier.
// Locking lives in lock.go; streaming lives in the streambus package, both
// sharing this same client.
type L2 struct {
	Client      *redis.Client
	ServiceName string
}

// NewL2 parses a redis URL (as db/repository/redis.go does) and verifies
// connectivity with a bounded ping before returning.
func NewL2(redisURL, serviceName string) (*L2, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("tiercache: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("tiercache: redis ping failed: %w", err)
	}

	return &L2{Client: client, ServiceName: serviceName}, nil
}

// DataKey returns the deterministic L2 key for an entity's data, stable
// across every node per the specification's namespace:
// legacy:player:<serviceName>:data:<uuid>
func (c *L2) DataKey(uuid string) string {
	return fmt.Sprintf("legacy:player:%s:data:%s", c.ServiceName, uuid)
}

// MapKey returns the key for the service-wide L2 map used by the
// L2->DB persistence scan.
func (c *L2) MapKey() string {
	return fmt.Sprintf("legacy:player:%s:map", c.ServiceName)
}

// Get fetches and unmarshals the record at uuid. ok is false on a clean miss
// (key absent, e.g. TTL-expired); err is non-nil only on a real transport or
// decode failure.
func (c *L2) Get(ctx context.Context, uuid string) (rec *entity.Record, ok bool, err error) {
	raw, err := c.Client.Get(ctx, c.DataKey(uuid)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tiercache: l2 get: %w", err)
	}

	var r entity.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, fmt.Errorf("tiercache: l2 decode: %w", err)
	}
	return &r, true, nil
}

// Set writes the record at uuid with the given TTL (0 means no expiry),
// and also records the uuid in the service's map key so the persistence
// scan can enumerate L2-resident entities without a KEYS scan.
func (c *L2) Set(ctx context.Context, r *entity.Record, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("tiercache: l2 encode: %w", err)
	}
	if err := c.Client.Set(ctx, c.DataKey(r.UUID), data, ttl).Err(); err != nil {
		return fmt.Errorf("tiercache: l2 set: %w", err)
	}
	if err := c.Client.SAdd(ctx, c.MapKey(), r.UUID).Err(); err != nil {
		return fmt.Errorf("tiercache: l2 map update: %w", err)
	}
	return nil
}

// MapMembers returns every uuid currently tracked in the service's L2 map,
// used by the L2->DB persistence cycle.
func (c *L2) MapMembers(ctx context.Context) ([]string, error) {
	members, err := c.Client.SMembers(ctx, c.MapKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("tiercache: l2 map read: %w", err)
	}
	return members, nil
}

// ForgetMapMember removes uuid from the service's L2 map, used once its
// data key has expired so the persistence scan stops chasing it.
func (c *L2) ForgetMapMember(ctx context.Context, uuid string) error {
	return c.Client.SRem(ctx, c.MapKey(), uuid).Err()
}

// Close releases the underlying client.
func (c *L2) Close() error {
	return c.Client.Close()
}
