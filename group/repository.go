package group

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// timeLayout keeps timestamps at millisecond precision across round trips.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Repository stores group records as Redis hashes and membership as sets.
type Repository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRepository builds a Repository writing under keyPrefix.
func NewRepository(client *redis.Client, keyPrefix string) *Repository {
	return &Repository{client: client, keyPrefix: keyPrefix}
}

func (r *Repository) key(groupID string) string { return r.keyPrefix + "group:" + groupID }

func (r *Repository) membersKey(groupID string) string {
	return r.keyPrefix + "group:" + groupID + ":members"
}

// ChannelKey is the transport channel carrying a group's traffic.
func (r *Repository) ChannelKey(groupID string) string {
	return r.keyPrefix + "group:" + groupID + ":channel"
}

// Save persists the record hash and stamps it with ttl in one MULTI.
func (r *Repository) Save(ctx context.Context, rec Record, ttl time.Duration) error {
	key := r.key(rec.GroupID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"groupId", rec.GroupID,
			"groupName", rec.GroupName,
			"createdAt", rec.CreatedAt.UTC().Format(timeLayout),
			"expiryTime", strconv.FormatInt(rec.ExpiryTime.Milliseconds(), 10),
			"subscriberCount", strconv.Itoa(rec.SubscriberCount),
			"lastActivityAt", rec.LastActivityAt.UTC().Format(timeLayout),
		)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save group %q: %w", rec.GroupID, err)
	}
	return nil
}

// Get returns the stored record, or nil when the group does not exist.
func (r *Repository) Get(ctx context.Context, groupID string) (*Record, error) {
	data, err := r.client.HGetAll(ctx, r.key(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", groupID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	rec, err := recordFromHash(data)
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", groupID, err)
	}
	return rec, nil
}

// Delete removes the record and its membership set.
func (r *Repository) Delete(ctx context.Context, groupID string) error {
	if err := r.client.Del(ctx, r.key(groupID), r.membersKey(groupID)).Err(); err != nil {
		return fmt.Errorf("delete group %q: %w", groupID, err)
	}
	return nil
}

// Members returns the connection ids currently joined to the group.
func (r *Repository) Members(ctx context.Context, groupID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.membersKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("members of %q: %w", groupID, err)
	}
	return members, nil
}

func recordFromHash(data map[string]string) (*Record, error) {
	createdAt, err := time.Parse(timeLayout, data["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("parse createdAt: %w", err)
	}
	lastActivityAt, err := time.Parse(timeLayout, data["lastActivityAt"])
	if err != nil {
		return nil, fmt.Errorf("parse lastActivityAt: %w", err)
	}
	expiryMillis, err := strconv.ParseInt(data["expiryTime"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse expiryTime: %w", err)
	}
	count, err := strconv.Atoi(data["subscriberCount"])
	if err != nil {
		return nil, fmt.Errorf("parse subscriberCount: %w", err)
	}
	if count < 0 {
		count = 0
	}
	return &Record{
		GroupID:         data["groupId"],
		GroupName:       data["groupName"],
		CreatedAt:       createdAt,
		ExpiryTime:      time.Duration(expiryMillis) * time.Millisecond,
		SubscriberCount: count,
		LastActivityAt:  lastActivityAt,
	}, nil
}
