package audit_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/blinkhub/blink/audit"
	"github.com/blinkhub/blink/internal/redistest"
)

func TestRecordTagUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := redistest.New(t)
	sink := audit.NewRedisSink(client, "test:", time.Hour)

	at := time.Now()
	err := sink.RecordTagUpdate(ctx, audit.TagUpdate{
		Identity:     "alice",
		PreviousTags: []string{"can_read"},
		NewTags:      []string{"can_read", "can_write"},
		Source:       "admin",
		At:           at,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	key := "test:audit:tags:alice:" + strconv.FormatInt(at.UnixMilli(), 10)
	data, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("no record at %s", key)
	}
	if data["identity"] != "alice" || data["updateSource"] != "admin" {
		t.Fatalf("record = %v", data)
	}
	var prev, next []string
	if err := json.Unmarshal([]byte(data["previousTags"]), &prev); err != nil {
		t.Fatalf("previousTags: %v", err)
	}
	if err := json.Unmarshal([]byte(data["newTags"]), &next); err != nil {
		t.Fatalf("newTags: %v", err)
	}
	if len(prev) != 1 || len(next) != 2 {
		t.Fatalf("prev = %v, next = %v", prev, next)
	}

	ttl := client.TTL(ctx, key).Val()
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestRecordDeliveryRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := redistest.New(t)
	sink := audit.NewRedisSink(client, "test:", time.Hour)

	at := time.Now()
	err := sink.RecordDelivery(ctx, audit.Delivery{
		EventID:       "ev-1",
		Identity:      "bob",
		GroupID:       "docs",
		EventTags:     []string{"can_read"},
		RecipientTags: []string{"can_read", "can_write"},
		At:            at,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	key := "test:audit:events:ev-1:bob:" + strconv.FormatInt(at.UnixMilli(), 10)
	data, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if data["eventId"] != "ev-1" || data["identity"] != "bob" || data["groupId"] != "docs" {
		t.Fatalf("record = %v", data)
	}
}

func TestRetentionDefaultsToNinetyDays(t *testing.T) {
	ctx := context.Background()
	client := redistest.New(t)
	sink := audit.NewRedisSink(client, "test:", 0)

	at := time.Now()
	if err := sink.RecordTagUpdate(ctx, audit.TagUpdate{Identity: "a", At: at}); err != nil {
		t.Fatalf("record: %v", err)
	}
	key := "test:audit:tags:a:" + strconv.FormatInt(at.UnixMilli(), 10)
	ttl := client.TTL(ctx, key).Val()
	if ttl < 89*24*time.Hour || ttl > 90*24*time.Hour {
		t.Fatalf("ttl = %v, want about 90 days", ttl)
	}
}
