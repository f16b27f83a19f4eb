// Package memorytransport provides an in-process implementation of the
// transport contract using Go channels for delivery. It is suitable for
// single-node hosts and is what the test suite drives; multi-node fan-out
// belongs to an external transport.
package memorytransport

import (
	"context"
	"sync"
	"time"

	"github.com/blinkhub/blink/transport"
)

// Delivery is one event handed to a connection. Ack is safe to call more
// than once; only the first call counts.
type Delivery struct {
	Event   string
	Payload []byte

	ackOnce sync.Once
	ackFn   func()
}

// Ack acknowledges the delivery to the emitter, if it is still waiting.
func (d *Delivery) Ack() {
	if d.ackFn == nil {
		return
	}
	d.ackOnce.Do(d.ackFn)
}

// Conn is one registered in-process connection.
type Conn struct {
	id         string
	deliveries chan *Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

// ID returns the connection id the Conn was registered under.
func (c *Conn) ID() string { return c.id }

// Deliveries is the stream of events emitted to this connection.
func (c *Conn) Deliveries() <-chan *Delivery { return c.deliveries }

// Done is closed when the transport force-closes the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Transport implements transport.Transport in process memory.
type Transport struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string]map[string]struct{}
}

// New creates an empty in-memory transport.
func New() *Transport {
	return &Transport{
		conns:    make(map[string]*Conn),
		channels: make(map[string]map[string]struct{}),
	}
}

// Connect registers a connection and returns its receive side. A second
// Connect with the same id replaces the first.
func (t *Transport) Connect(connID string) *Conn {
	conn := &Conn{
		id:         connID,
		deliveries: make(chan *Delivery, 64),
		done:       make(chan struct{}),
	}
	t.mu.Lock()
	if prev, ok := t.conns[connID]; ok {
		prev.close()
	}
	t.conns[connID] = conn
	t.mu.Unlock()
	return conn
}

func (t *Transport) Join(ctx context.Context, connID, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[connID]; !ok {
		return transport.ErrUnknownConnection
	}
	members, ok := t.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		t.channels[channel] = members
	}
	members[connID] = struct{}{}
	return nil
}

func (t *Transport) Leave(ctx context.Context, connID, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if members, ok := t.channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(t.channels, channel)
		}
	}
	return nil
}

func (t *Transport) Members(ctx context.Context, channel string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := t.channels[channel]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

func (t *Transport) Emit(ctx context.Context, channel, event string, payload []byte) error {
	for _, conn := range t.channelConns(channel) {
		conn.deliver(&Delivery{Event: event, Payload: payload})
	}
	return nil
}

func (t *Transport) EmitWithAck(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error {
	conns := t.channelConns(channel)
	if len(conns) == 0 {
		return transport.ErrAckTimeout
	}
	acked := make(chan struct{}, len(conns))
	for _, conn := range conns {
		conn.deliver(&Delivery{
			Event:   event,
			Payload: payload,
			ackFn:   func() { acked <- struct{}{} },
		})
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-timer.C:
		return transport.ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) EmitTo(ctx context.Context, connID, event string, payload []byte) error {
	t.mu.RLock()
	conn, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	conn.deliver(&Delivery{Event: event, Payload: payload})
	return nil
}

func (t *Transport) Broadcast(ctx context.Context, event string, payload []byte) error {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.mu.RUnlock()
	for _, conn := range conns {
		conn.deliver(&Delivery{Event: event, Payload: payload})
	}
	return nil
}

func (t *Transport) Close(ctx context.Context, connID string) error {
	t.mu.Lock()
	conn, ok := t.conns[connID]
	if ok {
		delete(t.conns, connID)
		for channel, members := range t.channels {
			delete(members, connID)
			if len(members) == 0 {
				delete(t.channels, channel)
			}
		}
	}
	t.mu.Unlock()
	if ok {
		conn.close()
	}
	return nil
}

func (t *Transport) channelConns(channel string) []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := t.channels[channel]
	conns := make([]*Conn, 0, len(members))
	for id := range members {
		if conn, ok := t.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (c *Conn) deliver(d *Delivery) {
	select {
	case <-c.done:
	case c.deliveries <- d:
	default:
		// Receive buffer full; the delivery path never blocks on one slow
		// consumer in process memory.
	}
}

var _ transport.Transport = (*Transport)(nil)
