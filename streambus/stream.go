// Package streambus implements the ordered, persistent per-service stream
// with consumer-group semantics (component G): publish, poll, ack, remove,
// and ownership-timeout redelivery via claim, all against the same shared
// KV store L2 wraps.
package streambus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is a single stream entry: actionName and payload are opaque to the
// bus and interpreted by the accepter keyed on actionName; MessageID is
// bus-assigned, ordered, and monotonic within the stream.
type Task struct {
	MessageID  string
	ActionName string
	Payload    string
	Expiry     time.Duration
}

// PendingTask describes one entry from a group's pending-entries list: a
// delivered-but-unacked message, its current owner, and how long it has sat
// unacknowledged.
type PendingTask struct {
	MessageID     string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Bus wraps a Redis-protocol client with the specification's stream
// namespace and XAdd/XReadGroup/XAck/XPending/XClaim operations, extending
// the same client db/repository/redis.go's CacheRepository already used
// for locks and pub/sub into the ordered-stream surface that repository
// never needed.
type Bus struct {
	client      *redis.Client
	serviceName string
}

// New wraps an existing client.
func New(client *redis.Client, serviceName string) *Bus {
	return &Bus{client: client, serviceName: serviceName}
}

// StreamKey returns the deterministic per-service stream key.
func (b *Bus) StreamKey() string {
	return fmt.Sprintf("legacy:player:%s:stream", b.serviceName)
}

func groupKey(group string) string { return group }

// EnsureGroup creates the consumer group if it doesn't already exist,
// creating the stream itself if necessary. Safe to call repeatedly.
func (b *Bus) EnsureGroup(ctx context.Context, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.StreamKey(), groupKey(group), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("streambus: ensure group: %w", err)
	}
	return nil
}

// Publish appends a new task, bus-assigning its messageId.
func (b *Bus) Publish(ctx context.Context, actionName, payload string, expiry time.Duration) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamKey(),
		Values: map[string]interface{}{
			"actionName": actionName,
			"data":       payload,
			"expiry":     strconv.FormatInt(expiry.Milliseconds(), 10),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("streambus: publish: %w", err)
	}
	return id, nil
}

// Poll reads up to count not-yet-delivered-to-this-consumer tasks for
// group/consumer, blocking up to blockFor for new entries (0 means return
// immediately). Each entry returned becomes part of the group's pending
// list until Ack or Remove.
func (b *Bus) Poll(ctx context.Context, group, consumer string, count int64, blockFor time.Duration) ([]Task, error) {
	// go-redis sends BLOCK 0 (wait indefinitely) for a zero Block; a
	// negative Block omits BLOCK so the read returns at once.
	block := blockFor
	if block <= 0 {
		block = -1
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupKey(group),
		Consumer: consumer,
		Streams:  []string{b.StreamKey(), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("streambus: poll: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toTasks(res[0].Messages), nil
}

func toTasks(messages []redis.XMessage) []Task {
	out := make([]Task, 0, len(messages))
	for _, m := range messages {
		t := Task{MessageID: m.ID}
		if v, ok := m.Values["actionName"].(string); ok {
			t.ActionName = v
		}
		if v, ok := m.Values["data"].(string); ok {
			t.Payload = v
		}
		if v, ok := m.Values["expiry"].(string); ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				t.Expiry = time.Duration(ms) * time.Millisecond
			}
		}
		out = append(out, t)
	}
	return out
}

// Ack acknowledges messageId within group, removing it from the group's
// pending list. It does not delete the entry from the stream itself.
func (b *Bus) Ack(ctx context.Context, group, messageID string) error {
	if err := b.client.XAck(ctx, b.StreamKey(), groupKey(group), messageID).Err(); err != nil {
		return fmt.Errorf("streambus: ack: %w", err)
	}
	return nil
}

// Remove deletes messageId from the stream outright, used once an
// accepter's resilience layer has given up on a task.
func (b *Bus) Remove(ctx context.Context, messageID string) error {
	if err := b.client.XDel(ctx, b.StreamKey(), messageID).Err(); err != nil {
		return fmt.Errorf("streambus: remove: %w", err)
	}
	return nil
}

// Pending lists every undelivered-past-idle entry in group's pending list,
// used by the redelivery sweep to find candidates for Claim.
func (b *Bus) Pending(ctx context.Context, group string, minIdle time.Duration, count int64) ([]PendingTask, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.StreamKey(),
		Group:  groupKey(group),
		Start:  "-",
		End:    "+",
		Count:  count,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streambus: pending: %w", err)
	}
	out := make([]PendingTask, 0, len(res))
	for _, p := range res {
		out = append(out, PendingTask{
			MessageID:     p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

// Claim transfers ownership of messageIDs to consumer, provided they have
// been idle at least minIdle, and returns the reclaimed tasks for
// redelivery.
func (b *Bus) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, messageIDs []string) ([]Task, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	messages, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.StreamKey(),
		Group:    groupKey(group),
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streambus: claim: %w", err)
	}
	return toTasks(messages), nil
}

// messageTimestamp recovers the publish time a stream messageId carries in
// its own format (<unixMilli>-<seq>), so expiry is measured from the bus's
// own assigned id rather than a second stored field.
func messageTimestamp(messageID string) (time.Time, error) {
	ms := messageID
	if i := strings.IndexByte(messageID, '-'); i >= 0 {
		ms = messageID[:i]
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("streambus: malformed message id %q: %w", messageID, err)
	}
	return time.UnixMilli(n), nil
}

// Sweep scans up to maxScan of the stream's oldest entries and deletes
// every one whose expiry (set at Publish) has elapsed, per the
// specification's "tasks older than expiry are garbage-collected by the
// bus" rule. A zero Expiry never expires. Called periodically by the
// scheduler's expiry-sweep task; safe to call with a stream larger than
// maxScan, since repeated calls always start from the oldest surviving
// entry.
func (b *Bus) Sweep(ctx context.Context, maxScan int64) (int, error) {
	messages, err := b.client.XRangeN(ctx, b.StreamKey(), "-", "+", maxScan).Result()
	if err != nil {
		return 0, fmt.Errorf("streambus: sweep: %w", err)
	}

	now := time.Now()
	var expired []string
	for _, t := range toTasks(messages) {
		if t.Expiry <= 0 {
			continue
		}
		publishedAt, err := messageTimestamp(t.MessageID)
		if err != nil {
			continue
		}
		if now.Sub(publishedAt) >= t.Expiry {
			expired = append(expired, t.MessageID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := b.client.XDel(ctx, b.StreamKey(), expired...).Err(); err != nil {
		return 0, fmt.Errorf("streambus: sweep: %w", err)
	}
	return len(expired), nil
}
