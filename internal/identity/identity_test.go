package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer abc.def", "abc.def", true},
		{"surrounding space", "  Bearer abc  ", "abc", true},
		{"missing scheme", "abc", "", false},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", false},
		{"empty token", "Bearer   ", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := BearerToken(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier([]byte("secret"), "https://id.example.com", "meanas")
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		token, err := v.Sign("user_123", "Alice@Example.com", time.Hour)
		require.NoError(t, err)

		id, err := v.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "user_123", id.UserID)
		assert.Equal(t, "alice@example.com", id.Email)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewHMACVerifier([]byte("other"), "https://id.example.com", "meanas")
		token, err := other.Sign("user_123", "", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Sign("user_123", "", -time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		other := NewHMACVerifier([]byte("secret"), "https://evil.example.com", "meanas")
		token, err := other.Sign("user_123", "", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("audience mismatch", func(t *testing.T) {
		other := NewHMACVerifier([]byte("secret"), "https://id.example.com", "someone-else")
		token, err := other.Sign("user_123", "", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := v.Sign("  ", "", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify(ctx, "not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(Config{JWKSURL: "https://id.example.com/.well-known/jwks.json"})
	require.NoError(t, err)
	assert.IsType(t, &JWKSVerifier{}, v)

	v, err = NewVerifier(Config{HMACSecret: "dev"})
	require.NoError(t, err)
	assert.IsType(t, &HMACVerifier{}, v)

	_, err = NewVerifier(Config{})
	assert.Error(t, err)
}

func jwksServer(t *testing.T, kid string, key *rsa.PublicKey, hits *int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var hits int32
	srv := jwksServer(t, "key-1", &key.PublicKey, &hits)
	v := NewJWKSVerifier(srv.URL, "https://id.example.com", "meanas")
	ctx := context.Background()

	valid := jwt.MapClaims{
		"sub": "user_abc",
		"iss": "https://id.example.com",
		"aud": []string{"meanas"},
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	t.Run("valid token", func(t *testing.T) {
		id, err := v.Verify(ctx, signRS256(t, key, "key-1", valid))
		require.NoError(t, err)
		assert.Equal(t, "user_abc", id.UserID)
	})

	t.Run("keys are cached", func(t *testing.T) {
		before := atomic.LoadInt32(&hits)
		_, err := v.Verify(ctx, signRS256(t, key, "key-1", valid))
		require.NoError(t, err)
		assert.Equal(t, before, atomic.LoadInt32(&hits))
	})

	t.Run("unknown kid", func(t *testing.T) {
		_, err := v.Verify(ctx, signRS256(t, key, "key-2", valid))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		_, err = v.Verify(ctx, signRS256(t, other, "key-1", valid))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("hmac token rejected", func(t *testing.T) {
		token, err := NewHMACVerifier([]byte("secret"), "https://id.example.com", "meanas").Sign("user_abc", "", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("audience mismatch", func(t *testing.T) {
		claims := jwt.MapClaims{
			"sub": "user_abc",
			"iss": "https://id.example.com",
			"aud": "other",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
		_, err := v.Verify(ctx, signRS256(t, key, "key-1", claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestJWKSVerifier_RefreshInterval(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var (
		hits      int32
		published atomic.Value
	)
	published.Store("key-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": published.Load().(string),
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(srv.Close)

	clock := time.Now()
	v := NewJWKSVerifier(srv.URL, "https://id.example.com", "meanas")
	v.now = func() time.Time { return clock }
	ctx := context.Background()
	claims := jwt.MapClaims{
		"sub": "user_abc",
		"iss": "https://id.example.com",
		"aud": "meanas",
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	_, err = v.Verify(ctx, signRS256(t, key, "key-1", claims))
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))

	for i := 0; i < 20; i++ {
		_, err := v.Verify(ctx, signRS256(t, key, "forged", claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "unknown kids do not refetch within the interval")

	// The provider rotates its key; the new kid is picked up once the
	// interval has passed.
	published.Store("key-2")
	clock = clock.Add(minRefreshInterval + time.Second)
	id, err := v.Verify(ctx, signRS256(t, key, "key-2", claims))
	require.NoError(t, err)
	assert.Equal(t, "user_abc", id.UserID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	_, err = v.Verify(ctx, signRS256(t, key, "key-1", claims))
	assert.ErrorIs(t, err, ErrInvalidToken, "retired keys are dropped")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
