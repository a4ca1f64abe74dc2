package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/auth"
	"github.com/DukeRupert/meanas/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body), rec.Body.String())
	return body
}

func TestAuthMiddleware_RequireUser(t *testing.T) {
	verifier := identity.NewHMACVerifier([]byte("test-secret"), "meanas-test", "meanas")
	mw := NewAuthMiddleware(verifier, testLogger())

	valid, err := verifier.Sign("user-42", "user@example.com", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Sign("user-42", "user@example.com", -time.Hour)
	require.NoError(t, err)
	foreign, err := identity.NewHMACVerifier([]byte("other-secret"), "meanas-test", "meanas").Sign("user-42", "", time.Hour)
	require.NoError(t, err)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := mw.RequireUser(next)

	t.Run("valid token", func(t *testing.T) {
		seen = ""
		req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
		req.Header.Set("Authorization", "Bearer "+valid)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "user-42", seen)
	})

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic " + valid},
		{name: "empty bearer", header: "Bearer "},
		{name: "garbage", header: "Bearer not-a-jwt"},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong signing key", header: "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, seen, "next handler must not run")
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			body := decodeError(t, rec)
			assert.Equal(t, "unauthorized", body.Error.Code)
			assert.NotContains(t, body.Error.Message, "expired", "failure reasons stay in the logs")
		})
	}
}

func TestStack(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Stack(mark("outer"), mark("inner"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
