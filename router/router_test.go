package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blinkhub/blink/group"
	"github.com/blinkhub/blink/identity"
	"github.com/blinkhub/blink/internal/logctx"
	"github.com/blinkhub/blink/internal/redistest"
	"github.com/blinkhub/blink/message"
	"github.com/blinkhub/blink/queue"
	"github.com/blinkhub/blink/router"
	"github.com/blinkhub/blink/transport/memorytransport"
)

type fixture struct {
	client     *redis.Client
	groups     *group.Registry
	identities *identity.Repository
	transport  *memorytransport.Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := redistest.New(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	identities := identity.NewRepository(client, "test:")
	groups := group.NewRegistry(client, group.NewRepository(client, "test:"), time.Hour, log)
	return &fixture{
		client:     client,
		groups:     groups,
		identities: identities,
		transport:  memorytransport.New(),
	}
}

// register saves an identity with tags and joins its connection to the
// group's channel and its own identity channel, mirroring what the
// connection lifecycle does on a successful connect.
func (f *fixture) register(t *testing.T, identifier, connID, groupID string, tags []string) *memorytransport.Conn {
	t.Helper()
	ctx := context.Background()
	snap := identity.Snapshot{
		Record: identity.Record{Identifier: identifier, ConnectionID: connID, CreatedAt: time.Now()},
		Tags:   tags,
		Groups: []string{groupID},
	}
	if err := f.identities.Save(ctx, snap, time.Hour); err != nil {
		t.Fatalf("save %s: %v", identifier, err)
	}
	conn := f.transport.Connect(connID)
	if err := f.transport.Join(ctx, connID, f.groups.ChannelKey(groupID)); err != nil {
		t.Fatalf("join group channel: %v", err)
	}
	if err := f.transport.Join(ctx, connID, f.identities.ChannelKey(identifier)); err != nil {
		t.Fatalf("join identity channel: %v", err)
	}
	return conn
}

func recvDelivery(t *testing.T, conn *memorytransport.Conn, within time.Duration) *memorytransport.Delivery {
	t.Helper()
	select {
	case d := <-conn.Deliveries():
		return d
	case <-time.After(within):
		t.Fatalf("connection %s received nothing within %v", conn.ID(), within)
		return nil
	}
}

func assertNoDelivery(t *testing.T, conn *memorytransport.Conn, within time.Duration) {
	t.Helper()
	select {
	case d := <-conn.Deliveries():
		t.Fatalf("connection %s unexpectedly received %q", conn.ID(), d.Event)
	case <-time.After(within):
	}
}

func TestSendFiltersRecipientsByTags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := f.register(t, "alice", "c-alice", "notifications", []string{"can_read", "can_write"})
	bob := f.register(t, "bob", "c-bob", "notifications", []string{"can_read"})
	carol := f.register(t, "carol", "c-carol", "notifications", nil)

	r := router.New(f.groups, f.identities, f.transport,
		router.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	msg := message.New("doc.updated", json.RawMessage(`{"doc":"d1"}`), []string{"can_read"})
	if err := r.Send(ctx, "notifications", msg, false); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, conn := range []*memorytransport.Conn{alice, bob} {
		d := recvDelivery(t, conn, time.Second)
		if d.Event != "doc.updated" {
			t.Fatalf("event = %q", d.Event)
		}
		var env message.Envelope
		if err := json.Unmarshal(d.Payload, &env); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if env.EventID != msg.EventID {
			t.Fatalf("eventId = %q, want %q", env.EventID, msg.EventID)
		}
	}
	assertNoDelivery(t, carol, 100*time.Millisecond)
}

func TestSendWithNoRequiredTagsReachesEveryMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conns := []*memorytransport.Conn{
		f.register(t, "alice", "c-alice", "g", []string{"can_read"}),
		f.register(t, "bob", "c-bob", "g", nil),
	}
	r := router.New(f.groups, f.identities, f.transport,
		router.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	msg := message.New("ping", json.RawMessage(`{}`), nil)
	if err := r.Send(ctx, "g", msg, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, conn := range conns {
		recvDelivery(t, conn, time.Second)
	}
}

func TestSendToEmptyGroupIsNoop(t *testing.T) {
	f := newFixture(t)
	r := router.New(f.groups, f.identities, f.transport,
		router.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	msg := message.New("ping", json.RawMessage(`{}`), nil)
	if err := r.Send(context.Background(), "empty", msg, true); err != nil {
		t.Fatalf("send to empty group: %v", err)
	}
	// The group was still auto-created for future members.
	if _, err := f.groups.Get(context.Background(), "empty"); err != nil {
		t.Fatalf("group after empty send: %v", err)
	}
}

func TestOneSilentRecipientDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := f.register(t, "alice", "c-alice", "g", nil)
	bob := f.register(t, "bob", "c-bob", "g", nil)

	// alice acknowledges immediately; bob never does.
	go func() {
		for d := range alice.Deliveries() {
			d.Ack()
		}
	}()

	r := router.New(f.groups, f.identities, f.transport,
		router.WithAckTimeout(50*time.Millisecond),
		router.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	msg := message.New("doc.updated", json.RawMessage(`{}`), nil)
	start := time.Now()
	if err := r.Send(ctx, "g", msg, true); err != nil {
		t.Fatalf("send: %v", err)
	}
	elapsed := time.Since(start)

	// The call settles once bob's ack window closes, not a multiple of it.
	if elapsed > time.Second {
		t.Fatalf("send took %v, silent recipient serialized the fan-out", elapsed)
	}
	recvDelivery(t, bob, time.Second)
}

func TestUnackedDeliveryLandsInRetryQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bob := f.register(t, "bob", "c-bob", "g", nil)
	_ = bob // never acknowledges

	var mu sync.Mutex
	var redelivered []string
	var q *queue.Queue
	q = queue.New(f.client, "test:", func(ctx context.Context, connID string, msg message.Message) error {
		mu.Lock()
		redelivered = append(redelivered, connID+"/"+msg.EventID)
		mu.Unlock()
		go q.HandleAcknowledgment(connID, msg.EventID)
		return nil
	}, queue.WithAckTimeout(time.Second),
		queue.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	r := router.New(f.groups, f.identities, f.transport,
		router.WithAckTimeout(20*time.Millisecond),
		router.WithRetryQueue(q),
		router.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	msg := message.New("doc.updated", json.RawMessage(`{}`), nil)
	if err := r.Send(ctx, "g", msg, true); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(redelivered)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for retry queue redelivery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if redelivered[0] != "c-bob/"+msg.EventID {
		t.Fatalf("redelivered = %q, want c-bob/%s", redelivered[0], msg.EventID)
	}
}

func TestSendLogsCarryDeliveryData(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	log := slog.New(logctx.Handler{Handler: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})})
	r := router.New(f.groups, f.identities, f.transport, router.WithLogger(log))

	msg := message.New("doc.updated", json.RawMessage(`{}`), nil)
	if err := r.Send(context.Background(), "g-empty", msg, false); err != nil {
		t.Fatalf("send: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "delivery.event_id="+msg.EventID) {
		t.Fatalf("send log lacks event id:\n%s", out)
	}
	if !strings.Contains(out, "delivery.group_id=g-empty") || !strings.Contains(out, "delivery.event=doc.updated") {
		t.Fatalf("send log lacks delivery data:\n%s", out)
	}
}
