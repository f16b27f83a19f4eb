// Package audit defines the append-only audit sink consumed by the core.
// The core only ever writes records; reading them back is an administrative
// concern outside this module.
package audit

import (
	"context"
	"time"
)

// TagUpdate captures a before/after change to an identity's tag set.
type TagUpdate struct {
	Identity     string
	PreviousTags []string
	NewTags      []string
	Source       string
	At           time.Time
}

// Delivery captures one message delivered to one recipient, with the tag
// sets that made the recipient eligible.
type Delivery struct {
	EventID       string
	Identity      string
	GroupID       string
	EventTags     []string
	RecipientTags []string
	At            time.Time
}

// Sink is a write-only audit trail. Implementations must tolerate
// fire-and-forget use: callers log errors but never fail an operation on a
// sink error.
type Sink interface {
	RecordTagUpdate(ctx context.Context, update TagUpdate) error
	RecordDelivery(ctx context.Context, delivery Delivery) error
}

// Nop is a Sink that discards every record.
type Nop struct{}

func (Nop) RecordTagUpdate(context.Context, TagUpdate) error { return nil }
func (Nop) RecordDelivery(context.Context, Delivery) error   { return nil }

var _ Sink = Nop{}
