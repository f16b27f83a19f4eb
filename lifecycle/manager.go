// Package lifecycle implements the per-connection state machine:
// authenticate, register, and on disconnect either clean up immediately or
// hold the session under a grace timer racing any reconnection. Every
// transition is a method on Manager, dispatched by the transport, so the
// whole machine is testable without a live transport.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinkhub/blink/auth"
	"github.com/blinkhub/blink/group"
	"github.com/blinkhub/blink/identity"
	"github.com/blinkhub/blink/internal/logctx"
	"github.com/blinkhub/blink/metrics"
	"github.com/blinkhub/blink/queue"
	"github.com/blinkhub/blink/transport"
)

// Client-visible lifecycle event names.
const (
	EventConnectionSuccess  = "connection:success"
	EventConnectionRestored = "connection:restored"
)

// connectionPayload is the payload of both lifecycle events. Tags travel
// as "permissions" on the wire.
type connectionPayload struct {
	ConnectionID string   `json:"connectionId"`
	Identifier   string   `json:"identifier"`
	Groups       []string `json:"groups"`
	Permissions  []string `json:"permissions"`
}

// Config holds the lifecycle timing knobs.
type Config struct {
	// GraceWindow is how long a heartbeat-lost session may reconnect and
	// keep its state.
	GraceWindow time.Duration
	// ConnectionTTL is the durable record TTL while a connection is live;
	// heartbeats refresh it.
	ConnectionTTL time.Duration
	// DisconnectedTTL is the record TTL applied when a session enters the
	// grace window. It must exceed GraceWindow so the grace timer, not key
	// expiry, decides the session's fate.
	DisconnectedTTL time.Duration
}

// Manager owns connection lifecycle state: the active-connection table,
// per-identity grace timers, and the mutual exclusion that makes "cancel
// timer" and "timer fires" resolve to exactly one outcome.
type Manager struct {
	cfg           Config
	authenticator auth.Authenticator
	transport     transport.Transport
	identities    *identity.Repository
	groups        *group.Registry
	queues        *queue.Queue
	metrics       *metrics.Collector
	log           *slog.Logger

	locks *keyedMutex

	mu     sync.Mutex
	active map[string]string // connection id -> identifier
	timers map[string]*time.Timer
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryQueue attaches the per-connection retry queue so its durable
// backlog is restored on registration and torn down on cleanup.
func WithRetryQueue(q *queue.Queue) Option {
	return func(m *Manager) { m.queues = q }
}

// WithMetrics records connection registrations and teardowns to the
// collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager builds a lifecycle Manager.
func NewManager(cfg Config, authenticator auth.Authenticator, tr transport.Transport, identities *identity.Repository, groups *group.Registry, opts ...Option) *Manager {
	if cfg.DisconnectedTTL < cfg.GraceWindow {
		cfg.DisconnectedTTL = cfg.GraceWindow * 2
	}
	m := &Manager{
		cfg:           cfg,
		authenticator: authenticator,
		transport:     tr,
		identities:    identities,
		groups:        groups,
		log:           slog.Default(),
		locks:         newKeyedMutex(),
		active:        make(map[string]string),
		timers:        make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleConnect authenticates a new physical connection and registers it.
// Any failure force-closes the connection with no state created.
func (m *Manager) HandleConnect(ctx context.Context, connID, credential string) error {
	if credential == "" {
		m.forceClose(ctx, connID)
		return fmt.Errorf("connect %q: %w", connID, auth.ErrMissingCredential)
	}
	res, err := m.authenticator.Authenticate(ctx, credential)
	if err != nil {
		m.log.Warn("conn.auth.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
		m.forceClose(ctx, connID)
		return fmt.Errorf("connect %q: %w", connID, err)
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: connID, Identifier: res.Identifier})

	unlock := m.locks.lock(res.Identifier)
	defer unlock()

	existing, err := m.identities.Get(ctx, res.Identifier)
	if err != nil {
		m.forceClose(ctx, connID)
		return fmt.Errorf("connect %q: %w", connID, err)
	}

	switch {
	case existing == nil:
		return m.registerFresh(ctx, connID, res)

	case existing.Active():
		// A second authentication for an identity whose previous session
		// was never marked disconnected: the stale session loses.
		m.log.InfoContext(ctx, "conn.evict.stale",
			slog.String("identifier", res.Identifier),
			slog.String("stale_conn_id", existing.ConnectionID))
		m.cleanup(ctx, res.Identifier, existing.ConnectionID)
		m.forceClose(ctx, existing.ConnectionID)
		return m.registerFresh(ctx, connID, res)

	case time.Since(*existing.DisconnectedAt) < m.cfg.GraceWindow:
		return m.restore(ctx, connID, existing, res)

	default:
		// Grace window elapsed before the cleanup ran; expire the stale
		// record now and treat this as a fresh connection.
		m.cancelGraceTimer(res.Identifier)
		m.cleanup(ctx, res.Identifier, existing.ConnectionID)
		return m.registerFresh(ctx, connID, res)
	}
}

// HandleDisconnect reacts to a transport-reported disconnect. A heartbeat
// failure opens the grace window; a clean close tears the session down
// immediately.
func (m *Manager) HandleDisconnect(ctx context.Context, connID string, reason transport.CloseReason) error {
	identifier, err := m.identifierFor(ctx, connID)
	if err != nil {
		return err
	}
	if identifier == "" {
		return nil
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: connID, Identifier: identifier})

	unlock := m.locks.lock(identifier)
	defer unlock()

	rec, err := m.identities.Get(ctx, identifier)
	if err != nil {
		return fmt.Errorf("disconnect %q: %w", connID, err)
	}
	if rec == nil || rec.ConnectionID != connID {
		// The connection was superseded or already expired.
		m.mu.Lock()
		delete(m.active, connID)
		m.mu.Unlock()
		return nil
	}

	if reason == transport.CloseHeartbeatTimeout {
		now := time.Now()
		if err := m.identities.MarkDisconnected(ctx, identifier, now, m.cfg.DisconnectedTTL); err != nil {
			return fmt.Errorf("disconnect %q: %w", connID, err)
		}
		m.mu.Lock()
		delete(m.active, connID)
		if m.closed {
			m.mu.Unlock()
			return nil
		}
		m.timers[identifier] = time.AfterFunc(m.cfg.GraceWindow, func() {
			m.expire(identifier, connID)
		})
		m.mu.Unlock()
		m.log.InfoContext(ctx, "conn.grace.start",
			slog.String("identifier", identifier),
			slog.String("conn_id", connID),
			slog.Duration("window", m.cfg.GraceWindow))
		return nil
	}

	m.log.InfoContext(ctx, "conn.close.clean", slog.String("identifier", identifier), slog.String("conn_id", connID))
	m.cleanup(ctx, identifier, connID)
	return nil
}

// HandleHeartbeat refreshes the durable record TTLs for an idle-but-alive
// connection. This is the only path that keeps such a record from
// expiring.
func (m *Manager) HandleHeartbeat(ctx context.Context, connID string) error {
	identifier, err := m.identifierFor(ctx, connID)
	if err != nil {
		return err
	}
	if identifier == "" {
		return nil
	}
	if err := m.identities.Refresh(ctx, identifier, connID, m.cfg.ConnectionTTL); err != nil {
		return fmt.Errorf("heartbeat %q: %w", connID, err)
	}
	return nil
}

// HandleAck forwards a client acknowledgment to the retry queue.
func (m *Manager) HandleAck(ctx context.Context, connID, eventID string) error {
	if m.queues != nil {
		m.queues.HandleAcknowledgment(connID, eventID)
	}
	return nil
}

// ActiveConnections reports how many connections are currently registered.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close cancels every pending grace timer. Registered state is left in
// place for the durable TTLs to reap.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for identifier, t := range m.timers {
		t.Stop()
		delete(m.timers, identifier)
	}
}

func (m *Manager) registerFresh(ctx context.Context, connID string, res *auth.Result) error {
	now := time.Now()
	snap := identity.Snapshot{
		Record: identity.Record{
			Identifier:   res.Identifier,
			ConnectionID: connID,
			CreatedAt:    now,
		},
		Tags:   res.Tags,
		Groups: res.Groups,
	}
	if err := m.identities.Save(ctx, snap, m.cfg.ConnectionTTL); err != nil {
		m.forceClose(ctx, connID)
		return fmt.Errorf("register %q: %w", connID, err)
	}

	m.mu.Lock()
	m.active[connID] = res.Identifier
	m.mu.Unlock()

	if m.metrics != nil {
		if err := m.metrics.RecordConnection(ctx); err != nil {
			m.log.WarnContext(ctx, "conn.metrics.fail", slog.String("err", err.Error()))
		}
	}

	for _, groupID := range res.Groups {
		if err := m.groups.Join(ctx, groupID, connID); err != nil {
			// A half-registered connection is worse than no connection.
			m.cleanup(ctx, res.Identifier, connID)
			m.forceClose(ctx, connID)
			return fmt.Errorf("register %q: %w", connID, err)
		}
		if err := m.transport.Join(ctx, connID, m.groups.ChannelKey(groupID)); err != nil {
			m.cleanup(ctx, res.Identifier, connID)
			m.forceClose(ctx, connID)
			return fmt.Errorf("register %q: %w", connID, err)
		}
	}
	if err := m.transport.Join(ctx, connID, m.identities.ChannelKey(res.Identifier)); err != nil {
		m.cleanup(ctx, res.Identifier, connID)
		m.forceClose(ctx, connID)
		return fmt.Errorf("register %q: %w", connID, err)
	}

	if m.queues != nil {
		if err := m.queues.Restore(ctx, connID); err != nil {
			m.log.WarnContext(ctx, "conn.queue.restore.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
		}
	}

	m.emitLifecycle(ctx, connID, EventConnectionSuccess, res)
	m.log.InfoContext(ctx, "conn.register.ok",
		slog.String("identifier", res.Identifier),
		slog.String("conn_id", connID),
		slog.Int("groups", len(res.Groups)))
	return nil
}

func (m *Manager) restore(ctx context.Context, connID string, existing *identity.Record, res *auth.Result) error {
	m.cancelGraceTimer(res.Identifier)

	// Read the pre-disconnect group set before Save overwrites it; the
	// membership diff below needs it.
	prevGroups, err := m.identities.Groups(ctx, res.Identifier)
	if err != nil {
		m.forceClose(ctx, connID)
		return fmt.Errorf("restore %q: %w", connID, err)
	}

	snap := identity.Snapshot{
		Record: identity.Record{
			Identifier:   res.Identifier,
			ConnectionID: connID,
			CreatedAt:    existing.CreatedAt,
		},
		Tags:   res.Tags,
		Groups: res.Groups,
	}
	if err := m.identities.Save(ctx, snap, m.cfg.ConnectionTTL); err != nil {
		m.forceClose(ctx, connID)
		return fmt.Errorf("restore %q: %w", connID, err)
	}

	oldConnID := existing.ConnectionID
	m.mu.Lock()
	delete(m.active, oldConnID)
	m.active[connID] = res.Identifier
	m.mu.Unlock()

	// The new auth response's group set is authoritative. Groups kept
	// across the reconnect swap the old connection id in place without
	// touching the subscriber count; groups the response added join
	// fresh; groups it dropped release the old connection below.
	prev := make(map[string]bool, len(prevGroups))
	for _, groupID := range prevGroups {
		prev[groupID] = false
	}
	for _, groupID := range res.Groups {
		if _, kept := prev[groupID]; kept {
			prev[groupID] = true
			err = m.groups.SwapConnection(ctx, groupID, oldConnID, connID)
		} else {
			err = m.groups.Join(ctx, groupID, connID)
		}
		if err != nil {
			m.cleanup(ctx, res.Identifier, connID)
			m.forceClose(ctx, connID)
			return fmt.Errorf("restore %q: %w", connID, err)
		}
		if err := m.transport.Join(ctx, connID, m.groups.ChannelKey(groupID)); err != nil {
			m.cleanup(ctx, res.Identifier, connID)
			m.forceClose(ctx, connID)
			return fmt.Errorf("restore %q: %w", connID, err)
		}
	}
	for _, groupID := range prevGroups {
		if prev[groupID] {
			continue
		}
		if err := m.groups.Leave(ctx, groupID, oldConnID); err != nil {
			m.log.ErrorContext(ctx, "conn.restore.leave.fail",
				slog.String("identifier", res.Identifier),
				slog.String("group_id", groupID),
				slog.String("err", err.Error()))
		}
	}
	if err := m.transport.Join(ctx, connID, m.identities.ChannelKey(res.Identifier)); err != nil {
		m.cleanup(ctx, res.Identifier, connID)
		m.forceClose(ctx, connID)
		return fmt.Errorf("restore %q: %w", connID, err)
	}
	// The superseded physical connection releases all of its transport
	// state, channel memberships included.
	m.forceClose(ctx, oldConnID)

	if m.queues != nil {
		if err := m.queues.Transfer(ctx, oldConnID, connID); err != nil {
			m.log.WarnContext(ctx, "conn.queue.transfer.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
		}
	}

	m.emitLifecycle(ctx, connID, EventConnectionRestored, res)
	m.log.InfoContext(ctx, "conn.restore.ok",
		slog.String("identifier", res.Identifier),
		slog.String("conn_id", connID))
	return nil
}

// expire runs when a grace timer fires. The timer-table check under the
// identity lock guarantees that a concurrent restore and this expiry
// cannot both complete.
func (m *Manager) expire(identifier, connID string) {
	unlock := m.locks.lock(identifier)
	defer unlock()

	m.mu.Lock()
	_, pending := m.timers[identifier]
	delete(m.timers, identifier)
	m.mu.Unlock()
	if !pending {
		// A reconnection cancelled the timer first.
		return
	}

	ctx := logctx.WithConnData(context.Background(), &logctx.ConnData{ConnectionID: connID, Identifier: identifier})
	rec, err := m.identities.Get(ctx, identifier)
	if err != nil {
		m.log.ErrorContext(ctx, "conn.expire.fail", slog.String("identifier", identifier), slog.String("err", err.Error()))
		return
	}
	if rec == nil || rec.Active() || rec.ConnectionID != connID {
		// The session reconnected or was superseded while the timer was
		// firing.
		return
	}

	m.log.InfoContext(ctx, "conn.grace.expire", slog.String("identifier", identifier), slog.String("conn_id", connID))
	m.cleanup(ctx, identifier, connID)
}

// cleanup is the disconnection cleanup path: drop the active-table entry,
// leave every joined group, tear down the retry queue, and delete the
// identity record with its derived keys.
func (m *Manager) cleanup(ctx context.Context, identifier, connID string) {
	ctx = logctx.WithConnData(context.WithoutCancel(ctx), &logctx.ConnData{ConnectionID: connID, Identifier: identifier})

	m.mu.Lock()
	delete(m.active, connID)
	m.mu.Unlock()

	groupIDs, err := m.identities.Groups(ctx, identifier)
	if err != nil {
		m.log.ErrorContext(ctx, "conn.cleanup.groups.fail", slog.String("identifier", identifier), slog.String("err", err.Error()))
	}
	for _, groupID := range groupIDs {
		if err := m.groups.Leave(ctx, groupID, connID); err != nil {
			m.log.ErrorContext(ctx, "conn.cleanup.leave.fail",
				slog.String("identifier", identifier),
				slog.String("group_id", groupID),
				slog.String("err", err.Error()))
		}
		if err := m.transport.Leave(ctx, connID, m.groups.ChannelKey(groupID)); err != nil {
			m.log.WarnContext(ctx, "conn.cleanup.channel.fail",
				slog.String("conn_id", connID),
				slog.String("group_id", groupID),
				slog.String("err", err.Error()))
		}
	}
	if err := m.transport.Leave(ctx, connID, m.identities.ChannelKey(identifier)); err != nil {
		m.log.WarnContext(ctx, "conn.cleanup.channel.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
	}

	if m.queues != nil {
		if err := m.queues.Remove(ctx, connID); err != nil {
			m.log.WarnContext(ctx, "conn.cleanup.queue.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
		}
	}

	if err := m.identities.Delete(ctx, identifier, connID); err != nil {
		m.log.ErrorContext(ctx, "conn.cleanup.delete.fail", slog.String("identifier", identifier), slog.String("err", err.Error()))
	}
	if m.metrics != nil {
		if err := m.metrics.RecordDisconnection(ctx); err != nil {
			m.log.WarnContext(ctx, "conn.metrics.fail", slog.String("err", err.Error()))
		}
	}
	m.log.InfoContext(ctx, "conn.cleanup.ok", slog.String("identifier", identifier), slog.String("conn_id", connID))
}

func (m *Manager) cancelGraceTimer(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[identifier]; ok {
		t.Stop()
		delete(m.timers, identifier)
	}
}

func (m *Manager) identifierFor(ctx context.Context, connID string) (string, error) {
	m.mu.Lock()
	identifier, ok := m.active[connID]
	m.mu.Unlock()
	if ok {
		return identifier, nil
	}
	rec, err := m.identities.ByConnection(ctx, connID)
	if err != nil {
		return "", fmt.Errorf("resolve connection %q: %w", connID, err)
	}
	if rec == nil {
		return "", nil
	}
	return rec.Identifier, nil
}

func (m *Manager) emitLifecycle(ctx context.Context, connID, event string, res *auth.Result) {
	payload, err := json.Marshal(connectionPayload{
		ConnectionID: connID,
		Identifier:   res.Identifier,
		Groups:       res.Groups,
		Permissions:  res.Tags,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "conn.emit.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
		return
	}
	if err := m.transport.EmitTo(ctx, connID, event, payload); err != nil {
		m.log.WarnContext(ctx, "conn.emit.fail",
			slog.String("conn_id", connID),
			slog.String("event", event),
			slog.String("err", err.Error()))
	}
}

func (m *Manager) forceClose(ctx context.Context, connID string) {
	if err := m.transport.Close(context.WithoutCancel(ctx), connID); err != nil {
		m.log.DebugContext(ctx, "conn.close.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
	}
}

var _ transport.Handler = (*Manager)(nil)
