// Package authtest provides in-memory authenticators for tests and
// development environments.
package authtest

import (
	"context"
	"sync"

	"github.com/blinkhub/blink/auth"
)

// Static authenticates from a fixed credential table. The zero value is
// usable; every lookup misses until Grant is called.
type Static struct {
	mu    sync.RWMutex
	creds map[string]auth.Result
}

// NewStatic builds an empty Static authenticator.
func NewStatic() *Static {
	return &Static{creds: make(map[string]auth.Result)}
}

// Grant registers a credential and the principal it resolves to.
func (s *Static) Grant(credential string, result auth.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		s.creds = make(map[string]auth.Result)
	}
	s.creds[credential] = result
}

// Revoke removes a credential.
func (s *Static) Revoke(credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, credential)
}

func (s *Static) Authenticate(ctx context.Context, credential string) (*auth.Result, error) {
	if credential == "" {
		return nil, auth.ErrMissingCredential
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.creds[credential]
	if !ok {
		return nil, auth.ErrRejected
	}
	out := res
	return &out, nil
}

var _ auth.Authenticator = (*Static)(nil)
