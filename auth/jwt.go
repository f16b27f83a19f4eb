package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims is the claim shape the JWT authenticator expects: the subject
// is the stable identifier, with capability tags and group memberships
// carried as string arrays.
type JWTClaims struct {
	Permissions []string `json:"permissions"`
	Groups      []string `json:"groups"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens locally, with no webhook round
// trip. It covers deployments where the publisher and broker share a
// signing secret.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator builds an authenticator for tokens signed with
// secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (*Result, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	var claims JWTClaims
	_, err := a.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrRejected)
	}
	return &Result{
		Identifier: claims.Subject,
		Tags:       claims.Permissions,
		Groups:     claims.Groups,
	}, nil
}

var _ Authenticator = (*JWTAuthenticator)(nil)
