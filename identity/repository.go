package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// timeLayout keeps timestamps at millisecond precision across round trips.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Repository stores identities in Redis. Every identity occupies four keys
// sharing one TTL: the record hash, a tags set, a groups set, and a reverse
// pointer from the connection id. All writes to those keys go through a
// single MULTI so a crash cannot leave a partially written identity.
type Repository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRepository builds a Repository writing under keyPrefix.
func NewRepository(client *redis.Client, keyPrefix string) *Repository {
	return &Repository{client: client, keyPrefix: keyPrefix}
}

func (r *Repository) key(identifier string) string  { return r.keyPrefix + "identity:" + identifier }
func (r *Repository) tagsKey(id string) string      { return r.keyPrefix + "identity:" + id + ":tags" }
func (r *Repository) groupsKey(id string) string    { return r.keyPrefix + "identity:" + id + ":groups" }
func (r *Repository) connKey(connID string) string {
	return r.keyPrefix + "connection:" + connID + ":identity"
}

// ChannelKey is the transport channel that targets a single identity.
func (r *Repository) ChannelKey(identifier string) string {
	return r.keyPrefix + "identity:" + identifier + ":channel"
}

// Save persists a full identity snapshot, replacing any previous tag and
// group sets, and stamps every derived key with ttl.
func (r *Repository) Save(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	key := r.key(snap.Identifier)
	tagsKey := r.tagsKey(snap.Identifier)
	groupsKey := r.groupsKey(snap.Identifier)
	connKey := r.connKey(snap.ConnectionID)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"identifier", snap.Identifier,
			"connectionId", snap.ConnectionID,
			"createdAt", snap.CreatedAt.UTC().Format(timeLayout),
		)
		if snap.DisconnectedAt != nil {
			pipe.HSet(ctx, key, "disconnectedAt", snap.DisconnectedAt.UTC().Format(timeLayout))
		} else {
			pipe.HDel(ctx, key, "disconnectedAt")
		}
		pipe.Del(ctx, tagsKey)
		if len(snap.Tags) > 0 {
			pipe.SAdd(ctx, tagsKey, toAnySlice(snap.Tags)...)
		}
		pipe.Del(ctx, groupsKey)
		if len(snap.Groups) > 0 {
			pipe.SAdd(ctx, groupsKey, toAnySlice(snap.Groups)...)
		}
		pipe.Set(ctx, connKey, snap.Identifier, ttl)
		pipe.Expire(ctx, key, ttl)
		pipe.Expire(ctx, tagsKey, ttl)
		pipe.Expire(ctx, groupsKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save identity %q: %w", snap.Identifier, err)
	}
	return nil
}

// Get returns the identity record, or nil when it does not exist.
func (r *Repository) Get(ctx context.Context, identifier string) (*Record, error) {
	data, err := r.client.HGetAll(ctx, r.key(identifier)).Result()
	if err != nil {
		return nil, fmt.Errorf("get identity %q: %w", identifier, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	rec, err := recordFromHash(data)
	if err != nil {
		return nil, fmt.Errorf("get identity %q: %w", identifier, err)
	}
	return rec, nil
}

// Tags returns the identity's current tag set.
func (r *Repository) Tags(ctx context.Context, identifier string) ([]string, error) {
	tags, err := r.client.SMembers(ctx, r.tagsKey(identifier)).Result()
	if err != nil {
		return nil, fmt.Errorf("get tags for %q: %w", identifier, err)
	}
	return tags, nil
}

// Groups returns the identity's current group set.
func (r *Repository) Groups(ctx context.Context, identifier string) ([]string, error) {
	groups, err := r.client.SMembers(ctx, r.groupsKey(identifier)).Result()
	if err != nil {
		return nil, fmt.Errorf("get groups for %q: %w", identifier, err)
	}
	return groups, nil
}

// SetTags replaces the identity's tag set atomically and refreshes its TTL.
func (r *Repository) SetTags(ctx context.Context, identifier string, tags []string, ttl time.Duration) error {
	tagsKey := r.tagsKey(identifier)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tagsKey)
		if len(tags) > 0 {
			pipe.SAdd(ctx, tagsKey, toAnySlice(tags)...)
		}
		if ttl > 0 {
			pipe.Expire(ctx, tagsKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set tags for %q: %w", identifier, err)
	}
	return nil
}

// ByConnection resolves a connection id to its identity record via the
// reverse pointer. Returns nil when the connection is unknown or expired.
func (r *Repository) ByConnection(ctx context.Context, connID string) (*Record, error) {
	identifier, err := r.client.Get(ctx, r.connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connection %q: %w", connID, err)
	}
	return r.Get(ctx, identifier)
}

// BulkByConnections resolves many connection ids in two pipelined round
// trips: pointers first, then the distinct record hashes. Connections with
// no identity map to a nil entry.
func (r *Repository) BulkByConnections(ctx context.Context, connIDs []string) (map[string]*Record, error) {
	out := make(map[string]*Record, len(connIDs))
	if len(connIDs) == 0 {
		return out, nil
	}

	ptrCmds := make([]*redis.StringCmd, len(connIDs))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, connID := range connIDs {
			ptrCmds[i] = pipe.Get(ctx, r.connKey(connID))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("bulk resolve connections: %w", err)
	}

	identifiers := make(map[string]struct{})
	connToIdentifier := make(map[string]string, len(connIDs))
	for i, cmd := range ptrCmds {
		id, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			out[connIDs[i]] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("bulk resolve connections: %w", err)
		}
		connToIdentifier[connIDs[i]] = id
		identifiers[id] = struct{}{}
	}

	hashCmds := make(map[string]*redis.MapStringStringCmd, len(identifiers))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range identifiers {
			hashCmds[id] = pipe.HGetAll(ctx, r.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk fetch identities: %w", err)
	}

	records := make(map[string]*Record, len(hashCmds))
	for id, cmd := range hashCmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("bulk fetch identities: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		rec, err := recordFromHash(data)
		if err != nil {
			return nil, fmt.Errorf("bulk fetch identities: %w", err)
		}
		records[id] = rec
	}

	for connID, id := range connToIdentifier {
		out[connID] = records[id]
	}
	for _, connID := range connIDs {
		if _, ok := out[connID]; !ok {
			out[connID] = nil
		}
	}
	return out, nil
}

// BulkTags resolves the tag sets of many identifiers in one pipelined round
// trip.
func (r *Repository) BulkTags(ctx context.Context, identifiers []string) (map[string][]string, error) {
	out := make(map[string][]string, len(identifiers))
	if len(identifiers) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringSliceCmd, len(identifiers))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range identifiers {
			cmds[i] = pipe.SMembers(ctx, r.tagsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk fetch tags: %w", err)
	}
	for i, cmd := range cmds {
		tags, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("bulk fetch tags: %w", err)
		}
		out[identifiers[i]] = tags
	}
	return out, nil
}

// MarkDisconnected records the disconnect time and extends the identity's
// keys to ttl so the record outlives the grace window.
func (r *Repository) MarkDisconnected(ctx context.Context, identifier string, at time.Time, ttl time.Duration) error {
	key := r.key(identifier)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "disconnectedAt", at.UTC().Format(timeLayout))
		pipe.Expire(ctx, key, ttl)
		pipe.Expire(ctx, r.tagsKey(identifier), ttl)
		pipe.Expire(ctx, r.groupsKey(identifier), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark disconnected %q: %w", identifier, err)
	}
	return nil
}

// Refresh extends the TTL of the identity's keys and its connection
// pointer. Called on every heartbeat acknowledgment.
func (r *Repository) Refresh(ctx context.Context, identifier, connID string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, r.key(identifier), ttl)
		pipe.Expire(ctx, r.tagsKey(identifier), ttl)
		pipe.Expire(ctx, r.groupsKey(identifier), ttl)
		pipe.Expire(ctx, r.connKey(connID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh identity %q: %w", identifier, err)
	}
	return nil
}

// Delete removes the identity and its derived keys.
func (r *Repository) Delete(ctx context.Context, identifier, connID string) error {
	err := r.client.Del(ctx,
		r.key(identifier),
		r.tagsKey(identifier),
		r.groupsKey(identifier),
		r.connKey(connID),
	).Err()
	if err != nil {
		return fmt.Errorf("delete identity %q: %w", identifier, err)
	}
	return nil
}

// List pages through stored identity records using a SCAN cursor. A zero
// cursor starts a new iteration; a zero returned cursor ends it.
func (r *Repository) List(ctx context.Context, cursor uint64, count int64) ([]Record, uint64, error) {
	pattern := r.keyPrefix + "identity:*"
	keys, next, err := r.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list identities: %w", err)
	}

	// The pattern also matches derived :tags/:groups/:channel keys; only
	// plain record keys are hashes we want.
	recordKeys := keys[:0]
	for _, k := range keys {
		suffix := k[len(r.keyPrefix)+len("identity:"):]
		if !strings.Contains(suffix, ":") {
			recordKeys = append(recordKeys, k)
		}
	}

	var records []Record
	if len(recordKeys) > 0 {
		cmds := make([]*redis.MapStringStringCmd, len(recordKeys))
		_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, k := range recordKeys {
				cmds[i] = pipe.HGetAll(ctx, k)
			}
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("list identities: %w", err)
		}
		for _, cmd := range cmds {
			data, err := cmd.Result()
			if err != nil || len(data) == 0 {
				continue
			}
			rec, err := recordFromHash(data)
			if err != nil {
				continue
			}
			records = append(records, *rec)
		}
	}
	return records, next, nil
}

func recordFromHash(data map[string]string) (*Record, error) {
	createdAt, err := time.Parse(timeLayout, data["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("parse createdAt: %w", err)
	}
	rec := &Record{
		Identifier:   data["identifier"],
		ConnectionID: data["connectionId"],
		CreatedAt:    createdAt,
	}
	if v, ok := data["disconnectedAt"]; ok && v != "" {
		at, err := time.Parse(timeLayout, v)
		if err != nil {
			return nil, fmt.Errorf("parse disconnectedAt: %w", err)
		}
		rec.DisconnectedAt = &at
	}
	return rec, nil
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
