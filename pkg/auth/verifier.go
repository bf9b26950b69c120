// Package auth verifies bearer credentials and maps them to identities.
package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

// ErrInvalidCredential is returned for missing, malformed, expired or
// otherwise rejected credentials.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Verifier maps a bearer credential to an Identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (contract.Identity, error)
}

// identityClaims are the token claims an Identity is built from. Keycloak
// access tokens and the HMAC tokens used in development share them.
type identityClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Picture           string `json:"picture"`
}

func (c *identityClaims) identity() (contract.Identity, error) {
	userID := c.PreferredUsername
	if userID == "" {
		userID = c.Subject
	}
	if userID == "" {
		return contract.Identity{}, ErrInvalidCredential
	}
	name := c.Name
	if name == "" {
		name = userID
	}
	return contract.Identity{UserID: userID, DisplayName: name, Avatar: c.Picture}, nil
}
