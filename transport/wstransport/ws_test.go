package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blinkhub/blink/auth"
	"github.com/blinkhub/blink/transport"
	"github.com/blinkhub/blink/transport/transporttest"
)

type connectCall struct {
	connID     string
	credential string
}

type disconnectCall struct {
	connID string
	reason transport.CloseReason
}

type ackCall struct {
	connID  string
	eventID string
}

// recordingHandler reports every lifecycle dispatch on a channel so tests
// can wait for them.
type recordingHandler struct {
	connects    chan connectCall
	disconnects chan disconnectCall
	acks        chan ackCall
	heartbeats  chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connects:    make(chan connectCall, 16),
		disconnects: make(chan disconnectCall, 16),
		acks:        make(chan ackCall, 16),
		heartbeats:  make(chan string, 16),
	}
}

func (h *recordingHandler) HandleConnect(ctx context.Context, connID, credential string) error {
	h.connects <- connectCall{connID: connID, credential: credential}
	if credential == "" {
		return fmt.Errorf("connect %q: %w", connID, auth.ErrMissingCredential)
	}
	return nil
}

func (h *recordingHandler) HandleDisconnect(ctx context.Context, connID string, reason transport.CloseReason) error {
	h.disconnects <- disconnectCall{connID: connID, reason: reason}
	return nil
}

func (h *recordingHandler) HandleHeartbeat(ctx context.Context, connID string) error {
	h.heartbeats <- connID
	return nil
}

func (h *recordingHandler) HandleAck(ctx context.Context, connID, eventID string) error {
	h.acks <- ackCall{connID: connID, eventID: eventID}
	return nil
}

var _ transport.Handler = (*recordingHandler)(nil)

func newTestServer(t *testing.T, handler transport.Handler) (*Server, string) {
	t.Helper()
	srv := New(handler, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitConnect(t *testing.T, h *recordingHandler) connectCall {
	t.Helper()
	select {
	case c := <-h.connects:
		return c
	case <-time.After(time.Second):
		t.Fatal("no connect dispatched")
		return connectCall{}
	}
}

// wsClient adapts a dialed websocket connection to the conformance
// suite's client contract: frames arrive on a channel and Ack answers
// with the payload's event id.
type wsClient struct {
	id     string
	ws     *websocket.Conn
	frames chan Frame
}

func newWSClient(t *testing.T, h *recordingHandler, url string) *wsClient {
	t.Helper()
	ws := dial(t, url+"?token=tok")
	c := waitConnect(t, h)
	cl := &wsClient{id: c.connID, ws: ws, frames: make(chan Frame, 16)}
	go func() {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			cl.frames <- frame
		}
	}()
	return cl
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Recv(timeout time.Duration) (*transporttest.Delivery, bool) {
	select {
	case frame := <-c.frames:
		return &transporttest.Delivery{
			Event:   frame.Event,
			Payload: frame.Payload,
			Ack: func() {
				var env struct {
					EventID string `json:"eventId"`
				}
				if err := json.Unmarshal(frame.Payload, &env); err != nil || env.EventID == "" {
					return
				}
				ack, _ := json.Marshal(map[string]string{"type": "ack", "eventId": env.EventID})
				_ = c.ws.WriteMessage(websocket.TextMessage, ack)
			},
		}, true
	case <-time.After(timeout):
		return nil, false
	}
}

func TestTransportConformance(t *testing.T) {
	transporttest.RunTransportTests(t, func(t *testing.T) *transporttest.Harness {
		h := newRecordingHandler()
		srv, url := newTestServer(t, h)
		return &transporttest.Harness{
			Transport: srv,
			Connect: func(t *testing.T) transporttest.Client {
				return newWSClient(t, h, url)
			},
		}
	})
}

func TestCredentialFromQueryParameter(t *testing.T) {
	h := newRecordingHandler()
	_, url := newTestServer(t, h)

	dial(t, url+"?token=tok-123")
	c := waitConnect(t, h)
	if c.credential != "tok-123" {
		t.Fatalf("credential = %q", c.credential)
	}
	if c.connID == "" {
		t.Fatal("empty connection id")
	}
}

func TestCredentialFromBearerHeader(t *testing.T) {
	h := newRecordingHandler()
	_, url := newTestServer(t, h)

	header := http.Header{"Authorization": []string{"Bearer tok-456"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	c := waitConnect(t, h)
	if c.credential != "tok-456" {
		t.Fatalf("credential = %q", c.credential)
	}
}

func TestMissingCredentialDispatchesEmpty(t *testing.T) {
	h := newRecordingHandler()
	_, url := newTestServer(t, h)

	dial(t, url)
	c := waitConnect(t, h)
	if c.credential != "" {
		t.Fatalf("credential = %q, want empty", c.credential)
	}
}

func TestAckFrameDispatchesToHandler(t *testing.T) {
	h := newRecordingHandler()
	srv, url := newTestServer(t, h)
	ctx := context.Background()

	cl := newWSClient(t, h, url)
	if err := srv.Join(ctx, cl.ID(), "ch"); err != nil {
		t.Fatalf("join: %v", err)
	}

	go func() {
		if d, ok := cl.Recv(2 * time.Second); ok {
			d.Ack()
		}
	}()
	if err := srv.EmitWithAck(ctx, "ch", "doc.updated", []byte(`{"eventId":"ev-9"}`), 2*time.Second); err != nil {
		t.Fatalf("emit with ack: %v", err)
	}

	select {
	case a := <-h.acks:
		if a.connID != cl.ID() || a.eventID != "ev-9" {
			t.Fatalf("ack dispatch = %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("ack not dispatched to handler")
	}
}

func TestClientCloseDispatchesCleanDisconnect(t *testing.T) {
	h := newRecordingHandler()
	_, url := newTestServer(t, h)

	ws := dial(t, url+"?token=tok")
	c := waitConnect(t, h)

	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.Close()

	select {
	case d := <-h.disconnects:
		if d.connID != c.connID {
			t.Fatalf("disconnect for %q, want %q", d.connID, c.connID)
		}
		if d.reason != transport.CloseClientGone {
			t.Fatalf("reason = %v, want CloseClientGone", d.reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect dispatched")
	}
}
