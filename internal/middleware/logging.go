package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id. A short id supplied by the caller
// or a proxy is reused; otherwise one is generated.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

// quietPaths are polled constantly and not worth a log line.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// redactedParams never appear in logs. Webhook and checkout flows carry
// processor ids and secrets in query strings.
var redactedParams = map[string]bool{
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"session_id":    true,
	"code":          true,
	"key":           true,
	"api_key":       true,
	"apikey":        true,
	"secret":        true,
	"password":      true,
}

// RequestLoggingMiddleware writes one log line per request.
type RequestLoggingMiddleware struct {
	logger *slog.Logger
}

func NewRequestLoggingMiddleware(logger *slog.Logger) *RequestLoggingMiddleware {
	return &RequestLoggingMiddleware{logger: logger}
}

// Handler assigns the request id, runs next and logs the outcome. 5xx
// responses are logged at Warn; the handler that failed logs the cause.
func (m *RequestLoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		m.logger.Log(r.Context(), level, "request",
			"request_id", requestID,
			"method", r.Method,
			"path", redactQuery(r.URL),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", getClientIP(r),
			"user_agent", r.UserAgent(),
		)
	})
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// redactQuery returns the path with sensitive query values replaced.
// Parameters without a value are dropped.
func redactQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		name, _, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if redactedParams[strings.ToLower(name)] {
			pair = name + "=[REDACTED]"
		}
		kept = append(kept, pair)
	}

	if len(kept) == 0 {
		return u.Path
	}
	return u.Path + "?" + strings.Join(kept, "&")
}
