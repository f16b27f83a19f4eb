// Package identity owns the durable mapping between authenticated
// principals and their transient physical connections. A record exists per
// authenticated identifier; its tags and groups live in adjacent set keys so
// the delivery path can resolve them in bulk.
package identity

import (
	"time"
)

// Record is the hash portion of a stored identity. Tags and groups are kept
// in dedicated set keys and resolved separately.
type Record struct {
	Identifier     string
	ConnectionID   string
	CreatedAt      time.Time
	DisconnectedAt *time.Time
}

// Active reports whether the identity currently has a live connection.
func (r *Record) Active() bool { return r.DisconnectedAt == nil }

// Snapshot is a full identity state as produced by authentication: the
// record plus its tag and group sets.
type Snapshot struct {
	Record
	Tags   []string
	Groups []string
}
