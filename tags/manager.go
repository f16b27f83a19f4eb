package tags

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blinkhub/blink/audit"
	"github.com/blinkhub/blink/identity"
)

// ErrInvalidTags is returned when a tag set fails boundary validation.
var ErrInvalidTags = errors.New("tags: invalid tag set")

// Manager applies runtime tag updates to connected identities, recording a
// before/after audit trail for each change.
type Manager struct {
	identities *identity.Repository
	sink       audit.Sink
	ttl        time.Duration
	log        *slog.Logger
}

// NewManager builds a Manager. ttl is the identity TTL reapplied to the
// tag set on update; sink may be audit.Nop{}.
func NewManager(identities *identity.Repository, sink audit.Sink, ttl time.Duration, log *slog.Logger) *Manager {
	if sink == nil {
		sink = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{identities: identities, sink: sink, ttl: ttl, log: log}
}

// UpdateTags replaces the identity's tag set. The change takes effect for
// the next delivery; the audit record carries both the previous and the
// new set.
func (m *Manager) UpdateTags(ctx context.Context, identifier string, newTags []string, source string) error {
	if !Validate(newTags) {
		return ErrInvalidTags
	}
	previous, err := m.identities.Tags(ctx, identifier)
	if err != nil {
		return err
	}
	if err := m.identities.SetTags(ctx, identifier, newTags, m.ttl); err != nil {
		return err
	}
	err = m.sink.RecordTagUpdate(context.WithoutCancel(ctx), audit.TagUpdate{
		Identity:     identifier,
		PreviousTags: previous,
		NewTags:      newTags,
		Source:       source,
		At:           time.Now(),
	})
	if err != nil {
		m.log.Warn("tags.audit.fail", slog.String("identifier", identifier), slog.String("err", err.Error()))
	}
	m.log.Info("tags.update.ok",
		slog.String("identifier", identifier),
		slog.String("source", source),
		slog.Int("count", len(newTags)))
	return nil
}

// Tags returns the identity's current tag set.
func (m *Manager) Tags(ctx context.Context, identifier string) ([]string, error) {
	return m.identities.Tags(ctx, identifier)
}
