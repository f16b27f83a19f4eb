package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blinkhub/blink/auth"
)

var jwtSecret = []byte("test-secret")

func signToken(t *testing.T, claims auth.JWTClaims, method jwt.SigningMethod, key any) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestJWTAcceptsValidToken(t *testing.T) {
	token := signToken(t, auth.JWTClaims{
		Permissions: []string{"can_read"},
		Groups:      []string{"g1", "g2"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, jwt.SigningMethodHS256, jwtSecret)

	res, err := auth.NewJWTAuthenticator(jwtSecret).Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Identifier != "alice" {
		t.Fatalf("identifier = %q", res.Identifier)
	}
	if len(res.Tags) != 1 || res.Tags[0] != "can_read" {
		t.Fatalf("tags = %v", res.Tags)
	}
	if len(res.Groups) != 2 {
		t.Fatalf("groups = %v", res.Groups)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token := signToken(t, auth.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}, jwt.SigningMethodHS256, []byte("other-secret"))

	_, err := auth.NewJWTAuthenticator(jwtSecret).Authenticate(context.Background(), token)
	if !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	token := signToken(t, auth.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, jwt.SigningMethodHS256, jwtSecret)

	_, err := auth.NewJWTAuthenticator(jwtSecret).Authenticate(context.Background(), token)
	if !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestJWTRejectsMissingSubject(t *testing.T) {
	token := signToken(t, auth.JWTClaims{
		Permissions: []string{"can_read"},
	}, jwt.SigningMethodHS256, jwtSecret)

	_, err := auth.NewJWTAuthenticator(jwtSecret).Authenticate(context.Background(), token)
	if !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestJWTRejectsDisallowedAlgorithm(t *testing.T) {
	// HS512 is outside the accepted method list even with the right secret.
	token := signToken(t, auth.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}, jwt.SigningMethodHS512, jwtSecret)

	_, err := auth.NewJWTAuthenticator(jwtSecret).Authenticate(context.Background(), token)
	if !errors.Is(err, auth.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestJWTRejectsEmptyCredential(t *testing.T) {
	_, err := auth.NewJWTAuthenticator(jwtSecret).Authenticate(context.Background(), "")
	if !errors.Is(err, auth.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
}
