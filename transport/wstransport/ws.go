// Package wstransport adapts plain websocket connections to the transport
// contract. Frames are JSON: the server sends {"event","payload"} and
// clients answer acknowledged deliveries with {"type":"ack","eventId"}.
// The handshake credential travels in the "token" query parameter or the
// Authorization bearer header; ping/pong round trips drive the heartbeat
// path.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/blinkhub/blink/transport"
)

// Frame is the wire format for server-to-client events.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// clientFrame is what clients send back.
type clientFrame struct {
	Type    string `json:"type"`
	EventID string `json:"eventId,omitempty"`
}

// Options configures the websocket server.
type Options struct {
	// PingInterval between server pings. Zero means 25s.
	PingInterval time.Duration
	// PongTimeout after which an unanswered ping counts as a heartbeat
	// failure. Zero means 20s.
	PongTimeout time.Duration
	// Logger for transport-level events; nil means slog.Default().
	Logger *slog.Logger
	// CheckOrigin overrides the upgrader's origin policy.
	CheckOrigin func(r *http.Request) bool
}

type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// Server implements transport.Transport over websocket connections and
// dispatches lifecycle events into a transport.Handler. It also serves as
// the http.Handler accepting upgrades.
type Server struct {
	handler      transport.Handler
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	log          *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*wsConn
	channels map[string]map[string]struct{}
	ackWait  map[string]chan struct{} // event id -> fulfillment
}

// New builds a websocket transport dispatching into handler.
func New(handler transport.Handler, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		handler:      handler,
		upgrader:     websocket.Upgrader{CheckOrigin: checkOrigin},
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		log:          opts.Logger,
		conns:        make(map[string]*wsConn),
		channels:     make(map[string]map[string]struct{}),
		ackWait:      make(map[string]chan struct{}),
	}
}

// Bind attaches the handler connection events dispatch into. It exists
// because the broker core and its transport construct in a cycle: build
// the transport with a nil handler, pass it to the core, then bind the
// core's handler before serving.
func (s *Server) Bind(handler transport.Handler) {
	s.handler = handler
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.handler == nil {
		http.Error(w, "transport not bound", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()

	go s.writePump(conn)

	if err := s.handler.HandleConnect(r.Context(), conn.id, credentialFrom(r)); err != nil {
		// The lifecycle manager already force-closed the connection.
		s.log.Debug("ws.connect.refused", slog.String("conn_id", conn.id), slog.String("err", err.Error()))
		return
	}

	s.readPump(conn)
}

func credentialFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return rest
	}
	return ""
}

func (s *Server) readPump(conn *wsConn) {
	defer s.teardown(conn)

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongTimeout))
		if err := s.handler.HandleHeartbeat(context.Background(), conn.id); err != nil {
			s.log.Warn("ws.heartbeat.fail", slog.String("conn_id", conn.id), slog.String("err", err.Error()))
		}
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			reason := transport.CloseHeartbeatTimeout
			var netErr interface{ Timeout() bool }
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = transport.CloseClientGone
			case errors.As(err, &netErr) && netErr.Timeout():
				reason = transport.CloseHeartbeatTimeout
			default:
				reason = transport.CloseClientGone
			}
			if dispatchErr := s.handler.HandleDisconnect(context.Background(), conn.id, reason); dispatchErr != nil {
				s.log.Warn("ws.disconnect.fail", slog.String("conn_id", conn.id), slog.String("err", dispatchErr.Error()))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Debug("ws.frame.invalid", slog.String("conn_id", conn.id), slog.String("err", err.Error()))
			continue
		}
		if frame.Type == "ack" && frame.EventID != "" {
			s.fulfillAck(frame.EventID)
			if err := s.handler.HandleAck(context.Background(), conn.id, frame.EventID); err != nil {
				s.log.Warn("ws.ack.fail", slog.String("conn_id", conn.id), slog.String("err", err.Error()))
			}
		}
	}
}

func (s *Server) writePump(conn *wsConn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.done:
			_ = conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.ws.Close()
			return
		}
	}
}

func (s *Server) teardown(conn *wsConn) {
	s.mu.Lock()
	delete(s.conns, conn.id)
	for channel, members := range s.channels {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	s.mu.Unlock()
	conn.close()
}

// --- transport.Transport ---

func (s *Server) Join(ctx context.Context, connID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[connID]; !ok {
		return transport.ErrUnknownConnection
	}
	members, ok := s.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		s.channels[channel] = members
	}
	members[connID] = struct{}{}
	return nil
}

func (s *Server) Leave(ctx context.Context, connID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	return nil
}

func (s *Server) Members(ctx context.Context, channel string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.channels[channel]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

func (s *Server) Emit(ctx context.Context, channel, event string, payload []byte) error {
	raw, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	for _, conn := range s.channelConns(channel) {
		s.enqueue(conn, raw)
	}
	return nil
}

func (s *Server) EmitWithAck(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error {
	eventID := eventIDFrom(payload)
	if eventID == "" {
		// Without an event id there is nothing to correlate an
		// acknowledgment against.
		return s.Emit(ctx, channel, event, payload)
	}
	acked := s.registerAck(eventID)
	defer s.dropAck(eventID)

	if err := s.Emit(ctx, channel, event, payload); err != nil {
		return err
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

func (s *Server) EmitTo(ctx context.Context, connID, event string, payload []byte) error {
	s.mu.RLock()
	conn, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	raw, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	s.enqueue(conn, raw)
	return nil
}

func (s *Server) Broadcast(ctx context.Context, event string, payload []byte) error {
	raw, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	s.mu.RLock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()
	for _, conn := range conns {
		s.enqueue(conn, raw)
	}
	return nil
}

func (s *Server) Close(ctx context.Context, connID string) error {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.teardown(conn)
	return nil
}

func (s *Server) channelConns(channel string) []*wsConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.channels[channel]
	conns := make([]*wsConn, 0, len(members))
	for id := range members {
		if conn, ok := s.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (s *Server) enqueue(conn *wsConn, raw []byte) {
	select {
	case conn.send <- raw:
	case <-conn.done:
	default:
		s.log.Warn("ws.send.drop", slog.String("conn_id", conn.id))
	}
}

func (s *Server) registerAck(eventID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.ackWait[eventID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Server) dropAck(eventID string) {
	s.mu.Lock()
	delete(s.ackWait, eventID)
	s.mu.Unlock()
}

func (s *Server) fulfillAck(eventID string) {
	s.mu.Lock()
	ch := s.ackWait[eventID]
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func eventIDFrom(payload []byte) string {
	var envelope struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.EventID
}

var _ transport.Transport = (*Server)(nil)
