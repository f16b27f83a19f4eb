// Package router implements fan-out delivery: resolve a group's current
// members, filter them by capability tags, and emit to each eligible
// recipient concurrently. Per-recipient failures are isolated; only
// setup-level failures surface to the caller.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinkhub/blink/audit"
	"github.com/blinkhub/blink/group"
	"github.com/blinkhub/blink/identity"
	"github.com/blinkhub/blink/internal/logctx"
	"github.com/blinkhub/blink/message"
	"github.com/blinkhub/blink/metrics"
	"github.com/blinkhub/blink/queue"
	"github.com/blinkhub/blink/tags"
	"github.com/blinkhub/blink/transport"
)

// ackGuardSlack is how much later the local wall-clock guard fires than
// the transport's own acknowledgment timeout, so the two cannot race into
// distinct error states.
const ackGuardSlack = 100 * time.Millisecond

// DeliveryError reports an unrecoverable setup failure before fan-out
// began. Per-recipient failures never produce one.
type DeliveryError struct {
	GroupID string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to group %q: %v", e.GroupID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Option configures a Router.
type Option func(*Router)

// WithAckTimeout overrides the per-recipient acknowledgment timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(r *Router) { r.ackTimeout = d }
}

// WithFanoutLimit caps how many recipient emissions run concurrently.
func WithFanoutLimit(n int) Option {
	return func(r *Router) { r.fanoutLimit = n }
}

// WithRetryQueue routes acknowledgment-required deliveries that time out
// into the recipient's retry queue instead of dropping them.
func WithRetryQueue(q *queue.Queue) Option {
	return func(r *Router) { r.retry = q }
}

// WithAuditSink records every successful delivery to the sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(r *Router) { r.audit = sink }
}

// WithMetrics counts successful deliveries on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// WithLogger sets the router's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// Router fans messages out to a group's eligible members.
type Router struct {
	groups     *group.Registry
	identities *identity.Repository
	transport  transport.Transport

	retry       *queue.Queue
	audit       audit.Sink
	metrics     *metrics.Collector
	ackTimeout  time.Duration
	fanoutLimit int
	log         *slog.Logger
}

// New builds a Router. The registry resolves groups, the repository
// resolves recipients, and the transport carries the emissions.
func New(groups *group.Registry, identities *identity.Repository, tr transport.Transport, opts ...Option) *Router {
	r := &Router{
		groups:      groups,
		identities:  identities,
		transport:   tr,
		audit:       audit.Nop{},
		ackTimeout:  2 * time.Second,
		fanoutLimit: 512,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send delivers msg to every member of the group whose tag set satisfies
// the message's required tags. Membership is resolved once, at call time.
// With requireAck the call waits, per recipient, for an acknowledgment or
// the ack timeout; without it emissions are fire-and-forget. The call
// returns once every per-recipient emission has settled.
func (r *Router) Send(ctx context.Context, groupID string, msg message.Message, requireAck bool) error {
	ctx = logctx.WithDeliveryData(ctx, &logctx.DeliveryData{EventID: msg.EventID, Event: msg.Event, GroupID: groupID})
	if _, err := r.groups.GetOrCreate(ctx, groupID); err != nil {
		return &DeliveryError{GroupID: groupID, Err: err}
	}

	members, err := r.transport.Members(ctx, r.groups.ChannelKey(groupID))
	if err != nil {
		return &DeliveryError{GroupID: groupID, Err: err}
	}
	if len(members) == 0 {
		r.log.DebugContext(ctx, "router.send.empty", slog.String("group_id", groupID), slog.String("event_id", msg.EventID))
		return nil
	}

	records, err := r.identities.BulkByConnections(ctx, members)
	if err != nil {
		return &DeliveryError{GroupID: groupID, Err: err}
	}
	identifiers := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if _, ok := seen[rec.Identifier]; ok {
			continue
		}
		seen[rec.Identifier] = struct{}{}
		identifiers = append(identifiers, rec.Identifier)
	}
	tagSets, err := r.identities.BulkTags(ctx, identifiers)
	if err != nil {
		return &DeliveryError{GroupID: groupID, Err: err}
	}

	payload, err := msg.Encode()
	if err != nil {
		return &DeliveryError{GroupID: groupID, Err: err}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.fanoutLimit)
	for connID, rec := range records {
		if rec == nil {
			continue
		}
		recipientTags := tagSets[rec.Identifier]
		if !tags.Eligible(msg.Tags, recipientTags) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(connID string, rec *identity.Record, recipientTags []string) {
			defer wg.Done()
			defer func() { <-sem }()
			r.emit(ctx, groupID, connID, rec, recipientTags, msg, payload, requireAck)
		}(connID, rec, recipientTags)
	}
	wg.Wait()
	return nil
}

// emit delivers to one recipient. Failures are logged and, for
// acknowledged sends with a retry queue attached, handed to the queue;
// they never propagate.
func (r *Router) emit(ctx context.Context, groupID, connID string, rec *identity.Record, recipientTags []string, msg message.Message, payload []byte, requireAck bool) {
	channel := r.identities.ChannelKey(rec.Identifier)

	if !requireAck {
		if err := r.transport.Emit(ctx, channel, msg.Event, payload); err != nil {
			r.log.WarnContext(ctx, "router.emit.fail",
				slog.String("identity", rec.Identifier),
				slog.String("event_id", msg.EventID),
				slog.String("err", err.Error()))
			return
		}
		r.recordDelivery(ctx, groupID, rec.Identifier, msg, recipientTags)
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- r.transport.EmitWithAck(ctx, channel, msg.Event, payload, r.ackTimeout)
	}()
	guard := time.NewTimer(r.ackTimeout + ackGuardSlack)
	defer guard.Stop()

	var emitErr error
	select {
	case emitErr = <-done:
	case <-guard.C:
		emitErr = transport.ErrAckTimeout
	case <-ctx.Done():
		emitErr = ctx.Err()
	}
	if emitErr != nil {
		r.log.WarnContext(ctx, "router.emit.ack.fail",
			slog.String("identity", rec.Identifier),
			slog.String("event_id", msg.EventID),
			slog.String("err", emitErr.Error()))
		if r.retry != nil {
			if err := r.retry.Enqueue(context.WithoutCancel(ctx), connID, msg); err != nil {
				r.log.ErrorContext(ctx, "router.retry.enqueue.fail",
					slog.String("conn_id", connID),
					slog.String("event_id", msg.EventID),
					slog.String("err", err.Error()))
			}
		}
		return
	}
	r.recordDelivery(ctx, groupID, rec.Identifier, msg, recipientTags)
}

func (r *Router) recordDelivery(ctx context.Context, groupID, identifier string, msg message.Message, recipientTags []string) {
	err := r.audit.RecordDelivery(context.WithoutCancel(ctx), audit.Delivery{
		EventID:       msg.EventID,
		Identity:      identifier,
		GroupID:       groupID,
		EventTags:     msg.Tags,
		RecipientTags: recipientTags,
		At:            time.Now(),
	})
	if err != nil {
		r.log.WarnContext(ctx, "router.audit.fail", slog.String("event_id", msg.EventID), slog.String("err", err.Error()))
	}
	if r.metrics != nil {
		if err := r.metrics.RecordDelivery(context.WithoutCancel(ctx), groupID); err != nil {
			r.log.WarnContext(ctx, "router.metrics.fail", slog.String("event_id", msg.EventID), slog.String("err", err.Error()))
		}
	}
}
