// Package redistest starts an in-process Redis server for tests.
package redistest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// New starts a miniredis server and returns a client bound to it. Both are
// cleaned up with the test.
func New(t *testing.T) *redis.Client {
	t.Helper()
	_, client := NewWithServer(t)
	return client
}

// NewWithServer also exposes the server, for tests that need to
// fast-forward TTLs.
func NewWithServer(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}
