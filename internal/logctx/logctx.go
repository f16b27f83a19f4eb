// Package logctx decorates slog records with connection and delivery
// data carried on the context, so every log line emitted while serving a
// connection identifies it without threading attrs by hand.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("identifier", cd.Identifier),
		))
	}

	if dd, ok := ctx.Value(deliveryDataKey{}).(*DeliveryData); ok {
		r.AddAttrs(slog.Group("delivery",
			slog.String("event_id", dd.EventID),
			slog.String("event", dd.Event),
			slog.String("group_id", dd.GroupID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnData struct {
	ConnectionID string
	Identifier   string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type deliveryDataKey struct{}

type DeliveryData struct {
	EventID string
	Event   string
	GroupID string
}

func WithDeliveryData(ctx context.Context, data *DeliveryData) context.Context {
	return context.WithValue(ctx, deliveryDataKey{}, data)
}
