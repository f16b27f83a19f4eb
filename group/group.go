// Package group owns group metadata and the per-group membership index.
// A group is a named multicast scope; its subscriber count is maintained
// incrementally and always clamps at zero.
package group

import (
	"errors"
	"time"
)

// ErrNotFound is returned by explicit lookups that disallow auto-creation.
var ErrNotFound = errors.New("group not found")

// Record is the durable metadata of a group.
type Record struct {
	GroupID         string
	GroupName       string
	CreatedAt       time.Time
	ExpiryTime      time.Duration
	SubscriberCount int
	LastActivityAt  time.Time
}
