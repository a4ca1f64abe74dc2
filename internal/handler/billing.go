// Package handler contains the JSON HTTP handlers of the API.
//
// This file implements the purchase side of billing.
//
// Routes handled:
//   - POST /checkout     -> CreateCheckout
//   - GET  /transaction  -> TransactionStatus
package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/meanas/internal/auth"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/service"
)

// maxCheckoutBody bounds the checkout request body.
const maxCheckoutBody = 4 << 10

// BillingHandler handles checkout and transaction status requests.
type BillingHandler struct {
	checkout     service.CheckoutService
	transactions service.TransactionService
	logger       *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(checkout service.CheckoutService, transactions service.TransactionService, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		checkout:     checkout,
		transactions: transactions,
		logger:       logger,
	}
}

// RegisterRoutes registers billing routes. Checkout goes through
// limitCheckout in addition to requireUser.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, requireUser, limitCheckout func(http.Handler) http.Handler) {
	mux.Handle("POST /checkout", requireUser(limitCheckout(http.HandlerFunc(h.CreateCheckout))))
	mux.Handle("GET /transaction", requireUser(http.HandlerFunc(h.TransactionStatus)))
}

type checkoutRequest struct {
	PlanID string `json:"planId"`
}

// CreateCheckout starts a purchase of the requested plan and returns the
// processor redirect URL with the transaction id to poll.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())

	var req checkoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody))
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			ErrorResponse(w, r, h.logger, domain.Invalid("handler.checkout", "planId is required"))
			return
		}
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.checkout", "request body must be JSON"))
		return
	}

	result, err := h.checkout.Create(r.Context(), userID, req.PlanID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// TransactionStatus reports where a purchase stands. The user_id query
// parameter is optional but must match the caller when present.
func (h *BillingHandler) TransactionStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	query := r.URL.Query()

	if requested := query.Get("user_id"); requested != "" && requested != userID {
		h.logger.Warn("transaction status requested for another user",
			"user_id", userID,
			"requested_user_id", requested,
		)
		ErrorResponse(w, r, h.logger, domain.Forbidden("handler.transaction", "You don't have permission to access this transaction"))
		return
	}

	status, err := h.transactions.Status(r.Context(), userID, query.Get("transaction_id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}
