// Package transport defines the multicast transport contract the core
// consumes: named channels with join/leave, fire-and-forget and
// acknowledged emits, and member enumeration. Implementations surface
// connection lifecycle events to a Handler rather than attaching callbacks,
// so every transition is testable without a live transport.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAckTimeout is returned by acknowledged emits when no recipient
	// acknowledged within the deadline.
	ErrAckTimeout = errors.New("transport: acknowledgment timeout")
	// ErrUnknownConnection is returned when the target connection is not
	// registered with the transport.
	ErrUnknownConnection = errors.New("transport: unknown connection")
)

// CloseReason classifies why a physical connection went away.
type CloseReason int

const (
	// CloseHeartbeatTimeout means the transport's heartbeat round trip
	// failed; the peer may still reconnect within the grace window.
	CloseHeartbeatTimeout CloseReason = iota
	// CloseClientGone means the peer closed the connection cleanly.
	CloseClientGone
	// CloseServerForced means this side force-closed the connection.
	CloseServerForced
)

func (r CloseReason) String() string {
	switch r {
	case CloseHeartbeatTimeout:
		return "heartbeat timeout"
	case CloseClientGone:
		return "client gone"
	case CloseServerForced:
		return "server forced"
	default:
		return "unknown"
	}
}

// Handler receives connection lifecycle events from a transport. The
// lifecycle manager implements it; transports dispatch into it.
type Handler interface {
	// HandleConnect is invoked for every new physical connection with the
	// credential extracted from its handshake.
	HandleConnect(ctx context.Context, connID, credential string) error
	// HandleDisconnect is invoked when a connection goes away.
	HandleDisconnect(ctx context.Context, connID string, reason CloseReason) error
	// HandleHeartbeat is invoked on every completed heartbeat round trip.
	HandleHeartbeat(ctx context.Context, connID string) error
	// HandleAck is invoked when a client acknowledges a delivered event.
	HandleAck(ctx context.Context, connID, eventID string) error
}

// Transport is the room-based multicast capability the core drives.
type Transport interface {
	// Join adds a connection to a named channel.
	Join(ctx context.Context, connID, channel string) error
	// Leave removes a connection from a named channel.
	Leave(ctx context.Context, connID, channel string) error
	// Members enumerates the connection ids joined to a channel.
	Members(ctx context.Context, channel string) ([]string, error)

	// Emit sends an event to every member of a channel without waiting.
	Emit(ctx context.Context, channel, event string, payload []byte) error
	// EmitWithAck sends to a channel and blocks until one member
	// acknowledges or the timeout elapses (ErrAckTimeout).
	EmitWithAck(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error
	// EmitTo sends an event to a single connection without waiting.
	EmitTo(ctx context.Context, connID, event string, payload []byte) error
	// Broadcast sends an event to every registered connection.
	Broadcast(ctx context.Context, event string, payload []byte) error

	// Close force-closes a physical connection.
	Close(ctx context.Context, connID string) error
}
