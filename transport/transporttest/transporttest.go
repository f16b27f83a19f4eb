// Package transporttest provides a conformance test suite that every
// transport implementation must pass. Implementations supply a factory
// building a fresh transport plus a way to attach test clients; the suite
// exercises the shared contract: channel scoping, acknowledgment
// semantics, directed emission, and teardown.
package transporttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blinkhub/blink/transport"
)

// Delivery is one event observed by a test client. Ack acknowledges it to
// the emitter when the delivery was sent with EmitWithAck.
type Delivery struct {
	Event   string
	Payload []byte
	Ack     func()
}

// Client is a connected test client.
type Client interface {
	// ID is the connection id the transport knows the client by.
	ID() string
	// Recv waits up to timeout for the next delivery.
	Recv(timeout time.Duration) (*Delivery, bool)
}

// Harness binds a transport instance to a way of attaching clients.
type Harness struct {
	Transport transport.Transport
	// Connect attaches a new client connection.
	Connect func(t *testing.T) Client
}

// Factory creates a fresh harness per test.
type Factory func(t *testing.T) *Harness

// RunTransportTests runs the complete conformance suite against the
// factory.
func RunTransportTests(t *testing.T, factory Factory) {
	t.Run("EmitReachesChannelMembersOnly", func(t *testing.T) {
		testChannelScoping(t, factory)
	})
	t.Run("LeaveStopsDeliveries", func(t *testing.T) {
		testLeave(t, factory)
	})
	t.Run("EmitWithAckResolvesOnAck", func(t *testing.T) {
		testAckResolution(t, factory)
	})
	t.Run("EmitWithAckTimesOutUnacknowledged", func(t *testing.T) {
		testAckTimeout(t, factory)
	})
	t.Run("EmitToTargetsOneConnection", func(t *testing.T) {
		testDirectedEmit(t, factory)
	})
	t.Run("BroadcastReachesEveryConnection", func(t *testing.T) {
		testBroadcast(t, factory)
	})
	t.Run("CloseTearsDownConnection", func(t *testing.T) {
		testClose(t, factory)
	})
}

func mustJoin(t *testing.T, h *Harness, connID, channel string) {
	t.Helper()
	if err := h.Transport.Join(context.Background(), connID, channel); err != nil {
		t.Fatalf("join %s to %s: %v", connID, channel, err)
	}
}

func mustRecv(t *testing.T, c Client, event string) *Delivery {
	t.Helper()
	d, ok := c.Recv(2 * time.Second)
	if !ok {
		t.Fatalf("%s received nothing, want %q", c.ID(), event)
	}
	if d.Event != event {
		t.Fatalf("%s received %q, want %q", c.ID(), d.Event, event)
	}
	return d
}

func assertQuiet(t *testing.T, c Client) {
	t.Helper()
	if d, ok := c.Recv(100 * time.Millisecond); ok {
		t.Fatalf("%s unexpectedly received %q", c.ID(), d.Event)
	}
}

func testChannelScoping(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	member := h.Connect(t)
	other := h.Connect(t)
	mustJoin(t, h, member.ID(), "ch")

	if err := h.Transport.Emit(ctx, "ch", "ping", []byte(`{"eventId":"ev-1"}`)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	mustRecv(t, member, "ping")
	assertQuiet(t, other)
}

func testLeave(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	c := h.Connect(t)
	mustJoin(t, h, c.ID(), "ch")
	if err := h.Transport.Leave(ctx, c.ID(), "ch"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := h.Transport.Emit(ctx, "ch", "ping", []byte(`{"eventId":"ev-1"}`)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	assertQuiet(t, c)

	members, err := h.Transport.Members(ctx, "ch")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v after leave", members)
	}
}

func testAckResolution(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	c := h.Connect(t)
	mustJoin(t, h, c.ID(), "ch")

	go func() {
		if d, ok := c.Recv(2 * time.Second); ok {
			d.Ack()
			d.Ack() // repeated acknowledgment is a no-op
		}
	}()

	err := h.Transport.EmitWithAck(ctx, "ch", "ping", []byte(`{"eventId":"ev-ack"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("emit with ack: %v", err)
	}
}

func testAckTimeout(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	c := h.Connect(t)
	mustJoin(t, h, c.ID(), "ch")

	err := h.Transport.EmitWithAck(ctx, "ch", "ping", []byte(`{"eventId":"ev-1"}`), 50*time.Millisecond)
	if !errors.Is(err, transport.ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
}

func testDirectedEmit(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	target := h.Connect(t)
	other := h.Connect(t)

	if err := h.Transport.EmitTo(ctx, target.ID(), "direct", []byte(`{"eventId":"ev-1"}`)); err != nil {
		t.Fatalf("emit to: %v", err)
	}
	mustRecv(t, target, "direct")
	assertQuiet(t, other)

	err := h.Transport.EmitTo(ctx, "unknown-conn", "direct", nil)
	if !errors.Is(err, transport.ErrUnknownConnection) {
		t.Fatalf("err = %v, want ErrUnknownConnection", err)
	}
}

func testBroadcast(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	clients := []Client{h.Connect(t), h.Connect(t), h.Connect(t)}
	if err := h.Transport.Broadcast(ctx, "shutdown", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, c := range clients {
		mustRecv(t, c, "shutdown")
	}
}

func testClose(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	c := h.Connect(t)
	mustJoin(t, h, c.ID(), "ch")

	if err := h.Transport.Close(ctx, c.ID()); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := h.Transport.EmitTo(ctx, c.ID(), "ping", nil)
	if !errors.Is(err, transport.ErrUnknownConnection) {
		t.Fatalf("emit after close: %v, want ErrUnknownConnection", err)
	}
	members, err := h.Transport.Members(ctx, "ch")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v after close", members)
	}
}
