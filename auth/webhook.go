package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// WebhookConfig configures the webhook authenticator.
type WebhookConfig struct {
	// URL receives the authentication POST.
	URL string
	// Timeout bounds each webhook call. Zero means 5 seconds.
	Timeout time.Duration
	// TokenType is echoed to the webhook; the original contract uses "JWT".
	TokenType string
}

type webhookRequest struct {
	AuthType  string `json:"auth_type"`
	TokenType string `json:"token_type"`
	Token     string `json:"token"`
}

type webhookResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		ClientIdentifier string   `json:"client_identifier"`
		Permissions      []string `json:"permissions"`
		Groups           []string `json:"groups"`
	} `json:"data"`
}

// WebhookAuthenticator posts the credential to an external endpoint and
// maps its verdict onto a Result. Calls run behind a circuit breaker so a
// dead endpoint sheds load instead of queueing every connection attempt on
// a timeout.
type WebhookAuthenticator struct {
	cfg     WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewWebhookAuthenticator builds the authenticator. A nil logger falls
// back to slog.Default().
func NewWebhookAuthenticator(cfg WebhookConfig, log *slog.Logger) *WebhookAuthenticator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TokenType == "" {
		cfg.TokenType = "JWT"
	}
	if log == nil {
		log = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "auth-webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("auth.webhook.breaker",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &WebhookAuthenticator{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log,
	}
}

func (a *WebhookAuthenticator) Authenticate(ctx context.Context, credential string) (*Result, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	res, err := a.breaker.Execute(func() (interface{}, error) {
		r, err := a.post(ctx, credential)
		if errors.Is(err, ErrRejected) {
			// A rejection is a verdict from a healthy endpoint, not a
			// failure that should trip the breaker.
			return (*Result)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth webhook: %w", err)
	}
	result := res.(*Result)
	if result == nil {
		return nil, ErrRejected
	}
	return result, nil
}

func (a *WebhookAuthenticator) post(ctx context.Context, credential string) (*Result, error) {
	body, err := json.Marshal(webhookRequest{
		AuthType:  "TOKEN_AUTH",
		TokenType: a.cfg.TokenType,
		Token:     credential,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.log.Warn("auth.webhook.status", slog.Int("status", resp.StatusCode))
		return nil, ErrRejected
	}

	var decoded webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !decoded.Success || decoded.Data == nil || decoded.Data.ClientIdentifier == "" {
		return nil, ErrRejected
	}
	return &Result{
		Identifier: decoded.Data.ClientIdentifier,
		Tags:       decoded.Data.Permissions,
		Groups:     decoded.Data.Groups,
	}, nil
}

var _ Authenticator = (*WebhookAuthenticator)(nil)
