// Package metrics maintains broker counters in Redis: total and active
// connections plus delivered messages. Instances sharing a store and key
// prefix aggregate into the same counters.
package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Collector increments counters under the instance key prefix. Counters
// are advisory; callers log failures and move on.
type Collector struct {
	client    *redis.Client
	keyPrefix string
}

// NewCollector builds a Collector writing under keyPrefix.
func NewCollector(client *redis.Client, keyPrefix string) *Collector {
	return &Collector{client: client, keyPrefix: keyPrefix}
}

func (c *Collector) key(name string) string { return c.keyPrefix + "metrics:" + name }

// RecordConnection counts a newly registered connection.
func (c *Collector) RecordConnection(ctx context.Context) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.key("connections:total"))
		pipe.Incr(ctx, c.key("connections:active"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("record connection: %w", err)
	}
	return nil
}

// RecordDisconnection counts a torn-down connection.
func (c *Collector) RecordDisconnection(ctx context.Context) error {
	if err := c.client.Decr(ctx, c.key("connections:active")).Err(); err != nil {
		return fmt.Errorf("record disconnection: %w", err)
	}
	return nil
}

// RecordDelivery counts one delivered message, globally and per group.
func (c *Collector) RecordDelivery(ctx context.Context, groupID string) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.key("messages:total"))
		pipe.Incr(ctx, c.key("messages:group:"+groupID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Snapshot is a point-in-time counter read.
type Snapshot struct {
	ConnectionsTotal  int64 `json:"connectionsTotal"`
	ConnectionsActive int64 `json:"connectionsActive"`
	MessagesTotal     int64 `json:"messagesTotal"`
}

// Read returns the current counters. Counters never written read as zero.
func (c *Collector) Read(ctx context.Context) (*Snapshot, error) {
	var total, active, messages *redis.StringCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.Get(ctx, c.key("connections:total"))
		active = pipe.Get(ctx, c.key("connections:active"))
		messages = pipe.Get(ctx, c.key("messages:total"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	snap := &Snapshot{}
	snap.ConnectionsTotal, _ = total.Int64()
	snap.ConnectionsActive, _ = active.Int64()
	snap.MessagesTotal, _ = messages.Int64()
	return snap, nil
}
