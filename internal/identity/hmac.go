package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMACVerifier verifies HS256 tokens signed with a shared secret. Used in
// development and by tests; production deployments configure a JWKS URL.
type HMACVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewHMACVerifier creates a shared-secret verifier.
func NewHMACVerifier(secret []byte, issuer, audience string) *HMACVerifier {
	return &HMACVerifier{secret: secret, issuer: issuer, audience: audience}
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	claims := jwt.MapClaims{}

	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	return identityFromClaims(claims, v.issuer, v.audience)
}

// Sign issues an HS256 token for userID. Only meant for local tooling and tests.
func (v *HMACVerifier) Sign(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if email != "" {
		claims["email"] = email
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if v.audience != "" {
		claims["aud"] = v.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

var _ Verifier = (*HMACVerifier)(nil)
