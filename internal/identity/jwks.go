package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// minRefreshInterval bounds how often tokens with unknown kids can make the
// verifier fetch the key set.
const minRefreshInterval = 30 * time.Second

// JWKSVerifier verifies RS256 tokens against keys published at a JWKS URL.
// Keys are cached and refreshed when the cache expires or an unknown kid
// shows up, at most once per minRefreshInterval.
type JWKSVerifier struct {
	jwksURL     string
	issuer      string
	audience    string
	httpClient  *http.Client
	cacheTTL    time.Duration
	minInterval time.Duration
	now         func() time.Time

	// fetchMu lets one caller fetch while the others wait for its result.
	fetchMu   sync.Mutex
	lastFetch time.Time

	mu       sync.RWMutex
	expires  time.Time
	keyByKID map[string]*rsa.PublicKey
}

// NewJWKSVerifier creates a verifier for the given key set.
func NewJWKSVerifier(jwksURL, issuer, audience string) *JWKSVerifier {
	return &JWKSVerifier{
		jwksURL:    strings.TrimSpace(jwksURL),
		issuer:     strings.TrimSpace(issuer),
		audience:   strings.TrimSpace(audience),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		cacheTTL:    10 * time.Minute,
		minInterval: minRefreshInterval,
		now:         time.Now,
		keyByKID:    map[string]*rsa.PublicKey{},
	}
}

// Verify implements Verifier.
func (v *JWKSVerifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithLeeway(30*time.Second))
	claims := jwt.MapClaims{}

	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || strings.TrimSpace(kid) == "" {
			return nil, errors.New("missing kid")
		}
		return v.publicKey(ctx, kid)
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	return identityFromClaims(claims, v.issuer, v.audience)
}

func (v *JWKSVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := v.cachedKey(kid); key != nil {
		return key, nil
	}
	if err := v.refreshThrottled(ctx); err != nil {
		return nil, err
	}
	if key := v.cachedKey(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("no key for kid %s", kid)
}

func (v *JWKSVerifier) cachedKey(kid string) *rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.now().After(v.expires) {
		return nil
	}
	return v.keyByKID[kid]
}

// refreshThrottled fetches the key set unless a fetch was attempted within
// minInterval. Failed fetches count as attempts.
func (v *JWKSVerifier) refreshThrottled(ctx context.Context) error {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	now := v.now()
	if !v.lastFetch.IsZero() && now.Sub(v.lastFetch) < v.minInterval {
		return nil
	}
	v.lastFetch = now
	return v.refresh(ctx)
}

func (v *JWKSVerifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("no usable RSA keys in JWKS")
	}

	v.mu.Lock()
	v.keyByKID = keys
	v.expires = v.now().Add(v.cacheTTL)
	v.mu.Unlock()

	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(nb) == 0 {
		return nil, errors.New("empty modulus")
	}

	var exp uint64
	for _, b := range eb {
		exp = exp<<8 | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

var _ Verifier = (*JWKSVerifier)(nil)
