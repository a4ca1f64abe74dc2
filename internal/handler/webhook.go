package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/service"
)

// maxWebhookBody bounds what we read from the processor (64KB).
const maxWebhookBody = 65536

// WebhookHandler receives payment processor events.
//
// The route is public: the processor authenticates itself with the
// Stripe-Signature header, which the webhook service verifies before
// trusting anything in the payload.
type WebhookHandler struct {
	webhooks service.WebhookService
	logger   *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhooks service.WebhookService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		logger:   logger,
	}
}

// RegisterRoutes registers the webhook route.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", h.HandleStripeWebhook)
}

// HandleStripeWebhook acknowledges every event it could verify. Only a bad
// signature (400) or a failed store write (500) is reported back, the
// latter so the processor redelivers.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	err = h.webhooks.HandleEvent(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch domain.ErrorCode(err) {
	case "":
		w.WriteHeader(http.StatusOK)
	case domain.EINVALID:
		h.logger.Warn("webhook rejected", "error", err, "ip", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
	default:
		h.logger.Error("webhook processing failed, processor will retry", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}
