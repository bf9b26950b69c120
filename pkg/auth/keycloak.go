package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

// KeycloakConfig locates a Keycloak realm.
type KeycloakConfig struct {
	URL   string
	Realm string
	// Issuer overrides the expected token issuer when the browser-facing URL
	// differs from URL.
	Issuer   string
	Attempts int
}

// KeycloakVerifier validates Keycloak access tokens against the realm JWKS.
type KeycloakVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewKeycloakVerifier fetches the realm JWKS, retrying while Keycloak starts,
// and keeps it refreshed in the background.
func NewKeycloakVerifier(ctx context.Context, cfg KeycloakConfig) (*KeycloakVerifier, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.URL, cfg.Realm)
	issuer := fmt.Sprintf("%s/realms/%s", cfg.URL, cfg.Realm)
	if cfg.Issuer != "" {
		issuer = cfg.Issuer
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 30
	}

	slog.Info("Initializing Keycloak JWKS verifier", "jwks_url", jwksURL)

	var (
		jwks *keyfunc.JWKS
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 ctx,
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch Keycloak JWKS: %w", err)
	}

	slog.Info("Keycloak JWKS loaded", "jwks_url", jwksURL)
	return NewKeycloakVerifierWithJWKS(jwks, issuer), nil
}

// NewKeycloakVerifierWithJWKS builds a verifier from an already loaded key set.
func NewKeycloakVerifierWithJWKS(jwks *keyfunc.JWKS, issuer string) *KeycloakVerifier {
	return &KeycloakVerifier{jwks: jwks, issuer: issuer}
}

// Verify parses and validates a Keycloak access token.
func (v *KeycloakVerifier) Verify(_ context.Context, credential string) (contract.Identity, error) {
	if credential == "" {
		return contract.Identity{}, ErrInvalidCredential
	}
	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return contract.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return contract.Identity{}, ErrInvalidCredential
	}
	return claims.identity()
}

// Close stops the JWKS refresh goroutine.
func (v *KeycloakVerifier) Close() {
	v.jwks.EndBackground()
}
