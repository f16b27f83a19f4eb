package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/blinkhub/blink/auth"
)

func webhookServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newWebhook(t *testing.T, url string) *auth.WebhookAuthenticator {
	t.Helper()
	return auth.NewWebhookAuthenticator(
		auth.WebhookConfig{URL: url},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestWebhookAcceptsValidCredential(t *testing.T) {
	var gotBody struct {
		AuthType  string `json:"auth_type"`
		TokenType string `json:"token_type"`
		Token     string `json:"token"`
	}
	srv := webhookServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"client_identifier": "alice",
				"permissions":       []string{"can_read"},
				"groups":            []string{"g1"},
			},
		})
	})

	res, err := newWebhook(t, srv.URL).Authenticate(context.Background(), "tok-123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Identifier != "alice" {
		t.Fatalf("identifier = %q", res.Identifier)
	}
	if len(res.Tags) != 1 || res.Tags[0] != "can_read" {
		t.Fatalf("tags = %v", res.Tags)
	}
	if len(res.Groups) != 1 || res.Groups[0] != "g1" {
		t.Fatalf("groups = %v", res.Groups)
	}
	if gotBody.AuthType != "TOKEN_AUTH" || gotBody.TokenType != "JWT" || gotBody.Token != "tok-123" {
		t.Fatalf("request body = %+v", gotBody)
	}
}

func TestWebhookRejectsUnsuccessfulVerdict(t *testing.T) {
	srv := webhookServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false})
	})

	_, err := newWebhook(t, srv.URL).Authenticate(context.Background(), "tok")
	if !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestWebhookRejectsNon200(t *testing.T) {
	srv := webhookServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := newWebhook(t, srv.URL).Authenticate(context.Background(), "tok")
	if !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestWebhookRejectsEmptyCredential(t *testing.T) {
	_, err := newWebhook(t, "http://127.0.0.1:0").Authenticate(context.Background(), "")
	if !errors.Is(err, auth.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
}

func TestWebhookBreakerOpensOnEndpointFailures(t *testing.T) {
	srv := webhookServer(t, func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	wa := newWebhook(t, srv.URL)

	for i := 0; i < 5; i++ {
		if _, err := wa.Authenticate(context.Background(), "tok"); err == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", i)
		}
	}
	// The breaker is now open; the failure is immediate and does not reach
	// the endpoint.
	_, err := wa.Authenticate(context.Background(), "tok")
	if err == nil {
		t.Fatal("open breaker allowed a call")
	}
	if errors.Is(err, auth.ErrRejected) {
		t.Fatalf("err = %v, shed load should not read as a rejection", err)
	}
}

func TestWebhookRejectionsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int64
	srv := webhookServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"success": false})
	})
	wa := newWebhook(t, srv.URL)

	for i := 0; i < 10; i++ {
		_, err := wa.Authenticate(context.Background(), "tok")
		if !errors.Is(err, auth.ErrRejected) {
			t.Fatalf("attempt %d: err = %v, want ErrRejected", i, err)
		}
	}
	if n := calls.Load(); n != 10 {
		t.Fatalf("endpoint saw %d calls, want 10; the breaker tripped on verdicts", n)
	}
}
