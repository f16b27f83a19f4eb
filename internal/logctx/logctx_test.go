package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleAddsConnData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewTextHandler(&buf, nil)})

	ctx := WithConnData(context.Background(), &ConnData{
		ConnectionID: "c1",
		Identifier:   "alice",
	})
	log.InfoContext(ctx, "conn.register.ok")

	out := buf.String()
	if !strings.Contains(out, "conn.id=c1") {
		t.Fatalf("missing conn id: %s", out)
	}
	if !strings.Contains(out, "conn.identifier=alice") {
		t.Fatalf("missing identifier: %s", out)
	}
}

func TestHandleAddsDeliveryData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewTextHandler(&buf, nil)})

	ctx := WithDeliveryData(context.Background(), &DeliveryData{
		EventID: "ev-1",
		Event:   "doc.updated",
		GroupID: "docs",
	})
	log.InfoContext(ctx, "router.emit.ok")

	out := buf.String()
	if !strings.Contains(out, "delivery.event_id=ev-1") {
		t.Fatalf("missing event id: %s", out)
	}
	if !strings.Contains(out, "delivery.group_id=docs") {
		t.Fatalf("missing group id: %s", out)
	}
}

func TestHandleWithoutContextDataIsPassthrough(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewTextHandler(&buf, nil)})

	log.Info("plain")
	out := buf.String()
	if strings.Contains(out, "conn.") || strings.Contains(out, "delivery.") {
		t.Fatalf("unexpected decoration: %s", out)
	}
}
