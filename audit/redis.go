package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink persists audit records as individual hashes under the
// configured key prefix, expiring after the retention window.
type RedisSink struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisSink builds a sink writing under keyPrefix with the given
// retention. A zero retention defaults to 90 days.
func NewRedisSink(client *redis.Client, keyPrefix string, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &RedisSink{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (s *RedisSink) tagKey(identity string, at time.Time) string {
	return s.keyPrefix + "audit:tags:" + identity + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

func (s *RedisSink) deliveryKey(eventID, identity string, at time.Time) string {
	return s.keyPrefix + "audit:events:" + eventID + ":" + identity + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

func (s *RedisSink) RecordTagUpdate(ctx context.Context, update TagUpdate) error {
	prev, err := json.Marshal(update.PreviousTags)
	if err != nil {
		return fmt.Errorf("marshal previous tags: %w", err)
	}
	next, err := json.Marshal(update.NewTags)
	if err != nil {
		return fmt.Errorf("marshal new tags: %w", err)
	}
	key := s.tagKey(update.Identity, update.At)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"identity":     update.Identity,
			"timestamp":    update.At.UTC().Format(time.RFC3339Nano),
			"previousTags": string(prev),
			"newTags":      string(next),
			"updateSource": update.Source,
		})
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record tag update: %w", err)
	}
	return nil
}

func (s *RedisSink) RecordDelivery(ctx context.Context, delivery Delivery) error {
	eventTags, err := json.Marshal(delivery.EventTags)
	if err != nil {
		return fmt.Errorf("marshal event tags: %w", err)
	}
	recipientTags, err := json.Marshal(delivery.RecipientTags)
	if err != nil {
		return fmt.Errorf("marshal recipient tags: %w", err)
	}
	key := s.deliveryKey(delivery.EventID, delivery.Identity, delivery.At)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"eventId":       delivery.EventID,
			"identity":      delivery.Identity,
			"groupId":       delivery.GroupID,
			"timestamp":     delivery.At.UTC().Format(time.RFC3339Nano),
			"eventTags":     string(eventTags),
			"recipientTags": string(recipientTags),
		})
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

var _ Sink = (*RedisSink)(nil)
