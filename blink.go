package blink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blinkhub/blink/audit"
	"github.com/blinkhub/blink/auth"
	"github.com/blinkhub/blink/group"
	"github.com/blinkhub/blink/health"
	"github.com/blinkhub/blink/identity"
	"github.com/blinkhub/blink/lifecycle"
	"github.com/blinkhub/blink/message"
	"github.com/blinkhub/blink/metrics"
	"github.com/blinkhub/blink/queue"
	"github.com/blinkhub/blink/router"
	"github.com/blinkhub/blink/tags"
	"github.com/blinkhub/blink/transport"
)

// EventShutdown is broadcast to every connection during graceful
// termination. It carries no payload.
const EventShutdown = "shutdown"

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by every component.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRedisClient supplies an existing Redis client instead of dialing
// Config.RedisAddr. The caller keeps ownership; Shutdown will not close it.
func WithRedisClient(client *redis.Client) Option {
	return func(s *Server) { s.client = client }
}

// WithAuditSink overrides the Redis-backed audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Server) { s.auditSink = sink }
}

// Server wires the broker core together: lifecycle manager, group
// registry, delivery router, retry queue, and audit trail over one durable
// store and one transport.
type Server struct {
	cfg       Config
	log       *slog.Logger
	client    *redis.Client
	ownClient bool

	transport  transport.Transport
	identities *identity.Repository
	groups     *group.Registry
	tagManager *tags.Manager
	life       *lifecycle.Manager
	route      *router.Router
	retry      *queue.Queue
	auditSink  audit.Sink
	metrics    *metrics.Collector
	health     *health.Checker
}

// New builds a Server. The authenticator and transport are the two
// external collaborators every deployment must supply.
func New(cfg Config, authenticator auth.Authenticator, tr transport.Transport, opts ...Option) (*Server, error) {
	cfg.applyDefaults()
	s := &Server{
		cfg:       cfg,
		log:       slog.Default(),
		transport: tr,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		s.ownClient = true
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	if s.auditSink == nil {
		s.auditSink = audit.NewRedisSink(s.client, cfg.KeyPrefix, cfg.AuditRetention)
	}

	s.metrics = metrics.NewCollector(s.client, cfg.KeyPrefix)
	s.health = health.NewChecker(s.client)

	s.identities = identity.NewRepository(s.client, cfg.KeyPrefix)
	s.groups = group.NewRegistry(s.client, group.NewRepository(s.client, cfg.KeyPrefix), cfg.GroupInactivityTimeout, s.log)
	s.tagManager = tags.NewManager(s.identities, s.auditSink, cfg.ConnectionInactivityTimeout, s.log)

	s.retry = queue.New(s.client, cfg.KeyPrefix,
		func(ctx context.Context, connID string, msg message.Message) error {
			payload, err := msg.Encode()
			if err != nil {
				return err
			}
			return tr.EmitTo(ctx, connID, msg.Event, payload)
		},
		queue.WithRetryLimit(cfg.RetryLimit),
		queue.WithAckTimeout(cfg.RetryAckTimeout),
		queue.WithLogger(s.log),
	)

	s.route = router.New(s.groups, s.identities, tr,
		router.WithAckTimeout(cfg.AckTimeout),
		router.WithFanoutLimit(cfg.FanoutLimit),
		router.WithRetryQueue(s.retry),
		router.WithAuditSink(s.auditSink),
		router.WithMetrics(s.metrics),
		router.WithLogger(s.log),
	)

	s.life = lifecycle.NewManager(
		lifecycle.Config{
			GraceWindow:     cfg.GraceWindow,
			ConnectionTTL:   cfg.ConnectionInactivityTimeout,
			DisconnectedTTL: cfg.LongWindow,
		},
		&boundedAuthenticator{inner: authenticator, timeout: cfg.AuthTimeout},
		tr,
		s.identities,
		s.groups,
		lifecycle.WithRetryQueue(s.retry),
		lifecycle.WithMetrics(s.metrics),
		lifecycle.WithLogger(s.log),
	)

	return s, nil
}

// Handler is the lifecycle event handler the transport must dispatch
// connection events into.
func (s *Server) Handler() transport.Handler { return s.life }

// SendRequest describes one publish call.
type SendRequest struct {
	// GroupID targets the group; it is auto-created if missing.
	GroupID string
	// Event is the client-visible event name.
	Event string
	// Data is the application payload; it is JSON-marshaled.
	Data any
	// Tags a recipient must hold to receive this message.
	Tags []string
	// RequireAck makes delivery wait per recipient for an acknowledgment.
	RequireAck bool
}

// Send publishes a message into a group. Recipient eligibility is decided
// per member by tag subset; per-recipient failures never fail the call.
func (s *Server) Send(ctx context.Context, req SendRequest) error {
	if !tags.Validate(req.Tags) {
		return tags.ErrInvalidTags
	}
	data, err := json.Marshal(req.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := message.New(req.Event, data, req.Tags)
	return s.route.Send(ctx, req.GroupID, msg, req.RequireAck)
}

// UpdateTags replaces an identity's capability tags at runtime, recording
// the change in the audit trail.
func (s *Server) UpdateTags(ctx context.Context, identifier string, newTags []string, source string) error {
	return s.tagManager.UpdateTags(ctx, identifier, newTags, source)
}

// CreateGroup makes a group with a generated id. A zero expiry uses the
// configured group inactivity timeout.
func (s *Server) CreateGroup(ctx context.Context, name string, expiry time.Duration) (*group.Record, error) {
	return s.groups.Create(ctx, name, expiry)
}

// Group looks a group up without auto-creating it.
func (s *Server) Group(ctx context.Context, groupID string) (*group.Record, error) {
	return s.groups.Get(ctx, groupID)
}

// ListIdentities pages through registered identities for administrative
// listing. A zero cursor starts the iteration; a zero returned cursor ends
// it.
func (s *Server) ListIdentities(ctx context.Context, cursor uint64, count int64) ([]identity.Record, uint64, error) {
	return s.identities.List(ctx, cursor, count)
}

// Metrics reads the broker's accumulated counters from the store.
func (s *Server) Metrics(ctx context.Context) (*metrics.Snapshot, error) {
	return s.metrics.Read(ctx)
}

// Health probes the broker's store dependency.
func (s *Server) Health(ctx context.Context) health.Status {
	return s.health.Check(ctx)
}

// Shutdown broadcasts the shutdown event to every connection, cancels
// pending grace timers, and releases owned resources.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.transport.Broadcast(ctx, EventShutdown, nil); err != nil {
		s.log.Warn("server.shutdown.broadcast.fail", slog.String("err", err.Error()))
	}
	s.life.Close()
	if s.ownClient {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("close redis: %w", err)
		}
	}
	s.log.Info("server.shutdown.ok")
	return nil
}

// boundedAuthenticator applies the configured authentication timeout
// around the host-supplied authenticator.
type boundedAuthenticator struct {
	inner   auth.Authenticator
	timeout time.Duration
}

func (b *boundedAuthenticator) Authenticate(ctx context.Context, credential string) (*auth.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Authenticate(ctx, credential)
}
