package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/DukeRupert/meanas/internal/auth"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/handler"
	"github.com/DukeRupert/meanas/internal/service"
)

// UsageRemainingHeader reports the caller's remaining allotment after a
// metered request. It is omitted for unlimited plans.
const UsageRemainingHeader = "X-Usage-Remaining"

// EntitlementGate meters access to paid features.
//
// The wrapped handler's response is buffered. A handler that persists its
// result spends the unit in the same transaction and reports it with
// auth.MarkConsumed. Otherwise one unit is consumed after the handler
// answered with a non-error status; if another request took the last unit
// in the meantime, the buffered response is dropped and the caller gets
// "usage exhausted" instead.
type EntitlementGate struct {
	entitlements service.EntitlementService
	logger       *slog.Logger
}

// NewEntitlementGate creates a new EntitlementGate.
func NewEntitlementGate(entitlements service.EntitlementService, logger *slog.Logger) *EntitlementGate {
	return &EntitlementGate{
		entitlements: entitlements,
		logger:       logger,
	}
}

// Require must run after AuthMiddleware.RequireUser. The resolved
// entitlement is available to the handler through auth.GetEntitlement.
func (g *EntitlementGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		if userID == "" {
			handler.ErrorResponse(w, r, g.logger, domain.Unauthorized("", "authentication required"))
			return
		}

		ent, err := g.entitlements.Check(r.Context(), userID)
		if err != nil {
			handler.ErrorResponse(w, r, g.logger, err)
			return
		}

		ctx := auth.SetEntitlement(r.Context(), ent)
		buf := newBufferedResponse()
		next.ServeHTTP(buf, r.WithContext(ctx))

		if buf.status >= http.StatusBadRequest {
			buf.flushTo(w)
			return
		}

		updated, spent := auth.Consumed(ctx)
		if !spent {
			// The work is done; a client disconnect must not skip the decrement.
			updated, err = g.entitlements.Consume(context.WithoutCancel(ctx), ent)
		}
		if err != nil {
			g.logger.Warn("metered response discarded",
				"user_id", userID,
				"subscription_id", ent.SubscriptionID,
				"path", r.URL.Path,
				"error", err,
			)
			handler.ErrorResponse(w, r, g.logger, err)
			return
		}

		if !updated.Unlimited {
			buf.header.Set(UsageRemainingHeader, strconv.Itoa(updated.Remaining))
		}
		buf.flushTo(w)
	})
}

// bufferedResponse holds a handler's response until the gate decides
// whether it may be sent.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
