package group

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Membership mutations run as Lua scripts so the set change, the counter
// change, and the TTL refresh land as one atomic unit. The counter only
// moves when the set actually changed, which keeps subscriberCount equal to
// the set cardinality and makes join/leave idempotent.
var joinScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[2], ARGV[1])
if added == 1 then
  redis.call('HINCRBY', KEYS[1], 'subscriberCount', 1)
end
redis.call('HSET', KEYS[1], 'lastActivityAt', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return added
`)

var leaveScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[2], ARGV[1])
if removed == 1 then
  local c = redis.call('HINCRBY', KEYS[1], 'subscriberCount', -1)
  if c < 0 then
    redis.call('HSET', KEYS[1], 'subscriberCount', 0)
  end
end
redis.call('HSET', KEYS[1], 'lastActivityAt', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return removed
`)

var adjustScript = redis.NewScript(`
local c = redis.call('HINCRBY', KEYS[1], 'subscriberCount', ARGV[1])
if c < 0 then
  redis.call('HSET', KEYS[1], 'subscriberCount', 0)
  c = 0
end
redis.call('HSET', KEYS[1], 'lastActivityAt', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return c
`)

var swapScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'lastActivityAt', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`)

// Registry is the owning component for group records and membership. All
// group mutations in the module go through it.
type Registry struct {
	client        *redis.Client
	repo          *Repository
	defaultExpiry time.Duration
	log           *slog.Logger
}

// NewRegistry builds a Registry. defaultExpiry is the group inactivity
// timeout applied to implicitly created groups and refreshed on every
// membership or activity change.
func NewRegistry(client *redis.Client, repo *Repository, defaultExpiry time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{client: client, repo: repo, defaultExpiry: defaultExpiry, log: log}
}

// ChannelKey is the transport channel carrying the group's traffic.
func (g *Registry) ChannelKey(groupID string) string { return g.repo.ChannelKey(groupID) }

// Members returns the connection ids currently joined to the group.
func (g *Registry) Members(ctx context.Context, groupID string) ([]string, error) {
	return g.repo.Members(ctx, groupID)
}

// Get returns the group or ErrNotFound. Used by explicit lookups that must
// not auto-create.
func (g *Registry) Get(ctx context.Context, groupID string) (*Record, error) {
	rec, err := g.repo.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, groupID)
	}
	return rec, nil
}

// Create makes a new group with a generated id.
func (g *Registry) Create(ctx context.Context, name string, expiry time.Duration) (*Record, error) {
	if expiry <= 0 {
		expiry = g.defaultExpiry
	}
	now := time.Now()
	rec := Record{
		GroupID:        "group_" + uuid.NewString(),
		GroupName:      name,
		CreatedAt:      now,
		ExpiryTime:     expiry,
		LastActivityAt: now,
	}
	if err := g.repo.Save(ctx, rec, expiry); err != nil {
		return nil, err
	}
	g.log.Info("group.create.ok", slog.String("group_id", rec.GroupID), slog.String("name", name))
	return &rec, nil
}

// GetOrCreate returns the group, creating it with defaults on a miss. The
// default name is the group id itself.
func (g *Registry) GetOrCreate(ctx context.Context, groupID string) (*Record, error) {
	rec, err := g.repo.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	now := time.Now()
	rec = &Record{
		GroupID:        groupID,
		GroupName:      groupID,
		CreatedAt:      now,
		ExpiryTime:     g.defaultExpiry,
		LastActivityAt: now,
	}
	if err := g.repo.Save(ctx, *rec, g.defaultExpiry); err != nil {
		return nil, err
	}
	g.log.Info("group.autocreate.ok", slog.String("group_id", groupID))
	return rec, nil
}

// Join adds a connection to the group's membership set, incrementing the
// subscriber count only if the connection was not already a member.
func (g *Registry) Join(ctx context.Context, groupID, connID string) error {
	if _, err := g.GetOrCreate(ctx, groupID); err != nil {
		return err
	}
	err := joinScript.Run(ctx, g.client,
		[]string{g.repo.key(groupID), g.repo.membersKey(groupID)},
		connID, time.Now().UTC().Format(timeLayout), ttlSeconds(g.defaultExpiry),
	).Err()
	if err != nil {
		return fmt.Errorf("join group %q: %w", groupID, err)
	}
	return nil
}

// Leave removes a connection from the group's membership set. Calling it
// for a connection that is not a member is a no-op.
func (g *Registry) Leave(ctx context.Context, groupID, connID string) error {
	err := leaveScript.Run(ctx, g.client,
		[]string{g.repo.key(groupID), g.repo.membersKey(groupID)},
		connID, time.Now().UTC().Format(timeLayout), ttlSeconds(g.defaultExpiry),
	).Err()
	if err != nil {
		return fmt.Errorf("leave group %q: %w", groupID, err)
	}
	return nil
}

// AdjustSubscriberCount moves the counter by delta, clamped at zero, and
// refreshes the group's activity stamp and TTL.
func (g *Registry) AdjustSubscriberCount(ctx context.Context, groupID string, delta int) (int, error) {
	n, err := adjustScript.Run(ctx, g.client,
		[]string{g.repo.key(groupID)},
		delta, time.Now().UTC().Format(timeLayout), ttlSeconds(g.defaultExpiry),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("adjust subscriber count %q: %w", groupID, err)
	}
	return n, nil
}

// SwapConnection replaces one connection id with another in the membership
// set without touching the subscriber count. Used when a reconnecting
// identity keeps its session but arrives on a new physical connection.
func (g *Registry) SwapConnection(ctx context.Context, groupID, oldConnID, newConnID string) error {
	err := swapScript.Run(ctx, g.client,
		[]string{g.repo.key(groupID), g.repo.membersKey(groupID)},
		oldConnID, newConnID, time.Now().UTC().Format(timeLayout), ttlSeconds(g.defaultExpiry),
	).Err()
	if err != nil {
		return fmt.Errorf("swap connection in %q: %w", groupID, err)
	}
	return nil
}

func ttlSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
