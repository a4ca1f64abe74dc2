package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/handler"
)

// MetricsAuthMiddleware puts HTTP basic auth in front of /metrics. With no
// credentials configured the endpoint is open.
type MetricsAuthMiddleware struct {
	username []byte
	password []byte
	logger   *slog.Logger
}

func NewMetricsAuthMiddleware(username, password string, logger *slog.Logger) *MetricsAuthMiddleware {
	return &MetricsAuthMiddleware{
		username: []byte(username),
		password: []byte(password),
		logger:   logger,
	}
}

func (m *MetricsAuthMiddleware) Handler(next http.Handler) http.Handler {
	if len(m.username) == 0 && len(m.password) == 0 {
		m.logger.Warn("metrics endpoint is unauthenticated; set METRICS_USERNAME and METRICS_PASSWORD")
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		// Both comparisons always run.
		userOK := subtle.ConstantTimeCompare([]byte(user), m.username) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), m.password) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			handler.ErrorResponse(w, r, m.logger, domain.Unauthorized("metrics.scrape", "metrics credentials required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
