// Package queue implements the per-connection outbound retry queue:
// strict head-of-line delivery with acknowledgment tracking, exponential
// backoff, and a bounded retry budget. Pending messages are mirrored to a
// durable Redis list so a broker restart does not silently drop them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blinkhub/blink/message"
)

// SendFunc emits a message to a single connection without waiting for an
// acknowledgment; the acknowledgment arrives through HandleAcknowledgment.
type SendFunc func(ctx context.Context, connID string, msg message.Message) error

// Option configures a Queue.
type Option func(*Queue)

// WithRetryLimit overrides the retry budget per message.
func WithRetryLimit(limit int) Option {
	return func(q *Queue) { q.retryLimit = limit }
}

// WithAckTimeout overrides how long a delivery waits for its
// acknowledgment before counting as failed.
func WithAckTimeout(d time.Duration) Option {
	return func(q *Queue) { q.ackTimeout = d }
}

// WithBackoffBase overrides the backoff unit; a retry after attempt n
// waits 2^n times this value.
func WithBackoffBase(d time.Duration) Option {
	return func(q *Queue) { q.backoffBase = d }
}

// WithLogger sets the queue's logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// Queue owns one ordered message sequence per connection. At most one
// message per connection is in flight at a time.
type Queue struct {
	client    *redis.Client
	keyPrefix string
	send      SendFunc

	retryLimit  int
	ackTimeout  time.Duration
	backoffBase time.Duration
	log         *slog.Logger

	mu    sync.Mutex
	conns map[string]*connQueue
}

type connQueue struct {
	msgs       []message.Message
	processing bool
	acks       chan string
	done       chan struct{}
}

// New builds a Queue delivering through send and persisting under
// keyPrefix.
func New(client *redis.Client, keyPrefix string, send SendFunc, opts ...Option) *Queue {
	q := &Queue{
		client:      client,
		keyPrefix:   keyPrefix,
		send:        send,
		retryLimit:  3,
		ackTimeout:  5 * time.Second,
		backoffBase: time.Second,
		log:         slog.Default(),
		conns:       make(map[string]*connQueue),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) key(connID string) string { return q.keyPrefix + "queue:" + connID }

// Enqueue appends a message to the connection's queue, persists it, and
// kicks off processing if the queue was idle.
func (q *Queue) Enqueue(ctx context.Context, connID string, msg message.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}
	if err := q.client.RPush(ctx, q.key(connID), raw).Err(); err != nil {
		return fmt.Errorf("persist queued message: %w", err)
	}

	q.mu.Lock()
	cq := q.ensureLocked(connID)
	cq.msgs = append(cq.msgs, msg)
	start := !cq.processing
	if start {
		cq.processing = true
	}
	q.mu.Unlock()

	if start {
		go q.process(connID)
	}
	return nil
}

// HandleAcknowledgment reports a client acknowledgment for a delivered
// event. Acknowledgments for unknown events are ignored.
func (q *Queue) HandleAcknowledgment(connID, eventID string) {
	q.mu.Lock()
	cq := q.conns[connID]
	q.mu.Unlock()
	if cq == nil {
		return
	}
	select {
	case cq.acks <- eventID:
	default:
	}
}

// Restore loads the connection's durable queue into memory and resumes
// processing. Called when a connection registers, so messages that were
// pending across a broker restart are re-attempted.
func (q *Queue) Restore(ctx context.Context, connID string) error {
	raws, err := q.client.LRange(ctx, q.key(connID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("restore queue for %q: %w", connID, err)
	}
	if len(raws) == 0 {
		return nil
	}
	msgs := make([]message.Message, 0, len(raws))
	for _, raw := range raws {
		var msg message.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return fmt.Errorf("restore queue for %q: %w", connID, err)
		}
		msgs = append(msgs, msg)
	}

	q.mu.Lock()
	cq := q.ensureLocked(connID)
	cq.msgs = msgs
	start := !cq.processing
	if start {
		cq.processing = true
	}
	q.mu.Unlock()

	if start {
		go q.process(connID)
	}
	return nil
}

// Transfer moves a connection's pending messages to a new connection id.
// Used when a reconnecting identity keeps its session but arrives on a new
// physical connection. An in-flight head delivery on the old connection is
// abandoned and re-attempted on the new one.
func (q *Queue) Transfer(ctx context.Context, oldConnID, newConnID string) error {
	q.mu.Lock()
	cq := q.conns[oldConnID]
	delete(q.conns, oldConnID)
	q.mu.Unlock()
	if cq != nil {
		close(cq.done)
	}

	n, err := q.client.Exists(ctx, q.key(oldConnID)).Result()
	if err != nil {
		return fmt.Errorf("transfer queue %q: %w", oldConnID, err)
	}
	if n == 1 {
		if err := q.client.Rename(ctx, q.key(oldConnID), q.key(newConnID)).Err(); err != nil {
			return fmt.Errorf("transfer queue %q: %w", oldConnID, err)
		}
	}
	return q.Restore(ctx, newConnID)
}

// Remove tears down the connection's queue state and deletes its durable
// backing. Called from the disconnection cleanup path.
func (q *Queue) Remove(ctx context.Context, connID string) error {
	q.mu.Lock()
	cq := q.conns[connID]
	delete(q.conns, connID)
	q.mu.Unlock()
	if cq != nil {
		close(cq.done)
	}
	if err := q.client.Del(context.WithoutCancel(ctx), q.key(connID)).Err(); err != nil {
		return fmt.Errorf("remove queue for %q: %w", connID, err)
	}
	return nil
}

// Pending returns the number of messages the connection still has queued.
func (q *Queue) Pending(connID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq := q.conns[connID]; cq != nil {
		return len(cq.msgs)
	}
	return 0
}

func (q *Queue) ensureLocked(connID string) *connQueue {
	cq, ok := q.conns[connID]
	if !ok {
		cq = &connQueue{
			acks: make(chan string, 8),
			done: make(chan struct{}),
		}
		q.conns[connID] = cq
	}
	return cq
}

// process drains the connection's queue head-of-line. It runs as the only
// worker for the connection until the queue empties or the connection is
// removed.
func (q *Queue) process(connID string) {
	ctx := context.Background()
	for {
		q.mu.Lock()
		cq := q.conns[connID]
		if cq == nil {
			q.mu.Unlock()
			return
		}
		if len(cq.msgs) == 0 {
			cq.processing = false
			q.mu.Unlock()
			return
		}
		head := cq.msgs[0]
		q.mu.Unlock()

		if !q.deliver(ctx, connID, cq, head) {
			return
		}
	}
}

// deliver attempts the head message until it is acknowledged or the retry
// budget is spent, then removes it. Returns false when the connection was
// torn down mid-delivery.
func (q *Queue) deliver(ctx context.Context, connID string, cq *connQueue, head message.Message) bool {
	for attempt := 0; ; attempt++ {
		err := q.send(ctx, connID, head)
		if err == nil {
			err = q.awaitAck(cq, head.EventID)
		}
		if err == nil {
			q.pop(ctx, connID, cq)
			return true
		}

		if attempt >= q.retryLimit {
			q.log.Error("queue.delivery.drop",
				slog.String("conn_id", connID),
				slog.String("event_id", head.EventID),
				slog.Int("attempts", attempt+1),
				slog.String("err", err.Error()))
			q.pop(ctx, connID, cq)
			return true
		}

		backoff := q.backoffBase << attempt
		q.log.Warn("queue.delivery.retry",
			slog.String("conn_id", connID),
			slog.String("event_id", head.EventID),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("err", err.Error()))
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-cq.done:
			timer.Stop()
			return false
		}
	}
}

var errAckTimeout = fmt.Errorf("acknowledgment timeout")

func (q *Queue) awaitAck(cq *connQueue, eventID string) error {
	timer := time.NewTimer(q.ackTimeout)
	defer timer.Stop()
	for {
		select {
		case id := <-cq.acks:
			if id == eventID {
				return nil
			}
			// Stale acknowledgment for an already-settled message.
		case <-timer.C:
			return errAckTimeout
		case <-cq.done:
			return errAckTimeout
		}
	}
}

func (q *Queue) pop(ctx context.Context, connID string, cq *connQueue) {
	q.mu.Lock()
	attached := q.conns[connID] == cq
	if len(cq.msgs) > 0 {
		cq.msgs = cq.msgs[1:]
	}
	q.mu.Unlock()
	if !attached {
		// Transfer or Remove detached this queue mid-delivery; the durable
		// list now belongs to the successor connection or is already gone.
		return
	}
	if err := q.client.LPop(ctx, q.key(connID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		q.log.Error("queue.pop.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
	}
}
