// Package middleware contains HTTP middleware for the API.
//
// Middleware functions follow the standard Go pattern of wrapping
// http.Handler and are composed in cmd/server.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/DukeRupert/meanas/internal/auth"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/handler"
	"github.com/DukeRupert/meanas/internal/identity"
)

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware verifies bearer credentials issued by the identity provider.
type AuthMiddleware struct {
	verifier identity.Verifier
	logger   *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware.
func NewAuthMiddleware(verifier identity.Verifier, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
	}
}

// RequireUser rejects requests without a valid bearer token and stores the
// verified identity in the request context otherwise.
//
// Handlers read the caller with auth.GetUserID(r.Context()). The reason a
// token failed verification is logged but never returned to the client.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			m.unauthorized(w, r)
			return
		}

		id, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Info("bearer token rejected",
				"error", err,
				"path", r.URL.Path,
				"ip", getClientIP(r),
			)
			m.unauthorized(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.SetIdentity(r.Context(), id)))
	})
}

func (m *AuthMiddleware) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	handler.ErrorResponse(w, r, m.logger, domain.Unauthorized("", "authentication required"))
}

// Stack composes middleware so that the first argument runs outermost.
//
//	requireUser := middleware.Stack(authMw.RequireUser, apiLimit.Limit)
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
