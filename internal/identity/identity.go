// Package identity verifies bearer credentials issued by the identity
// provider and resolves them to a stable user identifier.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential that fails verification.
// Callers should not distinguish between failure reasons in responses.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is the verified caller.
type Identity struct {
	UserID string
	Email  string
}

// Verifier turns an opaque bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Config selects and configures a Verifier.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	HMACSecret string
}

// NewVerifier builds a JWKS verifier when a JWKS URL is configured, and
// falls back to a shared-secret verifier otherwise.
func NewVerifier(cfg Config) (Verifier, error) {
	if strings.TrimSpace(cfg.JWKSURL) != "" {
		return NewJWKSVerifier(cfg.JWKSURL, cfg.Issuer, cfg.Audience), nil
	}
	if cfg.HMACSecret != "" {
		return NewHMACVerifier([]byte(cfg.HMACSecret), cfg.Issuer, cfg.Audience), nil
	}
	return nil, errors.New("identity: either AUTH_JWKS_URL or AUTH_HMAC_SECRET must be set")
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// identityFromClaims applies the issuer and audience checks shared by all
// verifiers and pulls out the subject.
func identityFromClaims(claims jwt.MapClaims, issuer, audience string) (Identity, error) {
	if issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != issuer {
			return Identity{}, ErrInvalidToken
		}
	}
	if audience != "" && !hasAudience(claims["aud"], audience) {
		return Identity{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Identity{}, ErrInvalidToken
	}

	email, _ := claims["email"].(string)
	return Identity{
		UserID: sub,
		Email:  strings.ToLower(strings.TrimSpace(email)),
	}, nil
}

func hasAudience(claim any, expected string) bool {
	switch aud := claim.(type) {
	case string:
		return aud == expected
	case []any:
		for _, item := range aud {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, item := range aud {
			if item == expected {
				return true
			}
		}
	}
	return false
}
