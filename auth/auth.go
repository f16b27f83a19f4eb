// Package auth defines the authenticator contract the lifecycle manager
// consumes, plus webhook- and JWT-backed implementations. Authentication
// failure is terminal for a connection attempt: the core never retries it.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrRejected means the credential was examined and refused.
	ErrRejected = errors.New("auth: credential rejected")
	// ErrMissingCredential means the handshake carried no credential.
	ErrMissingCredential = errors.New("auth: missing credential")
)

// Result is the authenticated principal: a stable identifier plus the
// capability tags and group memberships granted to it.
type Result struct {
	Identifier string
	Tags       []string
	Groups     []string
}

// Authenticator validates a connection credential. Implementations must
// bound their own I/O with the supplied context.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Result, error)
}
