// Package invalidation broadcasts cross-node L1 cache invalidation notices
// over a fanout exchange, so that a Save on one node evicts the stale
// entry from every other node's process-local cache. A superfluous evict
// (late notice, notice for an entry never cached locally) is harmless, so
// delivery is fire-and-forget with no acknowledgement tracking.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"eve.evalgo.org/common"
)

// Notice is the wire payload of one invalidation broadcast.
type Notice struct {
	UUID         string `json:"uuid"`
	OriginNodeID string `json:"originNodeId"`
}

// Config configures the broadcaster's connection and exchange.
type Config struct {
	URL          string
	ExchangeName string
	NodeID       string
}

func (c Config) withDefaults() Config {
	if c.ExchangeName == "" {
		c.ExchangeName = "entity.invalidation"
	}
	return c
}

// Broadcaster publishes and receives invalidation notices over a durable
// fanout exchange. Each node binds its own exclusive, auto-deleted queue
// to the exchange, so every node receives every notice regardless of
// routing key.
type Broadcaster struct {
	cfg    Config
	dialer Dialer
	conn   Connection
	ch     Channel
	log    *common.ContextLogger
}

// NewBroadcaster dials url, declares the fanout exchange, and returns a
// ready-to-use Broadcaster.
func NewBroadcaster(cfg Config, dialer Dialer) (*Broadcaster, error) {
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = RealDialer{}
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalidation: failed to connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalidation: failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("invalidation: failed to declare exchange: %w", err)
	}

	return &Broadcaster{
		cfg:    cfg,
		dialer: dialer,
		conn:   conn,
		ch:     ch,
		log:    common.ServiceLogger(cfg.NodeID, "invalidation"),
	}, nil
}

// Publish announces that uuid changed. Errors are transient (broker
// connectivity) and safe to ignore by the caller — a missed invalidation
// only costs a stale L1 read, bounded by that entry's TTL.
func (b *Broadcaster) Publish(uuid string) error {
	body, err := json.Marshal(Notice{UUID: uuid, OriginNodeID: b.cfg.NodeID})
	if err != nil {
		return fmt.Errorf("invalidation: failed to marshal notice: %w", err)
	}
	return b.ch.Publish(b.cfg.ExchangeName, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Subscribe declares this node's private queue, binds it to the fanout
// exchange, and invokes handler for every notice not originated by this
// node, until ctx is cancelled. Runs in the caller's goroutine; callers
// typically invoke it via `go`.
func (b *Broadcaster) Subscribe(ctx context.Context, handler func(Notice)) error {
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("invalidation: failed to declare node queue: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, "", b.cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("invalidation: failed to bind node queue: %w", err)
	}

	deliveries, err := b.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("invalidation: failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var n Notice
			if err := json.Unmarshal(d.Body, &n); err != nil {
				b.log.WithError(err).Warn("invalidation: dropping malformed notice")
				continue
			}
			if n.OriginNodeID == b.cfg.NodeID {
				continue
			}
			handler(n)
		}
	}
}

// Close releases the channel and connection.
func (b *Broadcaster) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
