package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/auth"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/service"
)

// SubscriptionHandler serves the plan catalog and the caller's
// subscriptions.
//
// Routes handled:
//   - GET /plans          -> ListPlans (public)
//   - GET /subscription   -> CurrentSubscription
//   - GET /subscriptions  -> ListSubscriptions
type SubscriptionHandler struct {
	plans        service.PlanService
	entitlements service.EntitlementService
	logger       *slog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(plans service.PlanService, entitlements service.EntitlementService, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		plans:        plans,
		entitlements: entitlements,
		logger:       logger,
	}
}

// RegisterRoutes registers plan and subscription routes.
func (h *SubscriptionHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /plans", h.ListPlans)
	mux.Handle("GET /subscription", requireUser(http.HandlerFunc(h.CurrentSubscription)))
	mux.Handle("GET /subscriptions", requireUser(http.HandlerFunc(h.ListSubscriptions)))
}

// subscriptionResponse is the JSON shape of a subscription.
type subscriptionResponse struct {
	ID             uuid.UUID `json:"id"`
	PlanID         string    `json:"planId"`
	PlanName       string    `json:"planName"`
	StartAt        time.Time `json:"startAt"`
	EndAt          time.Time `json:"endAt"`
	Active         bool      `json:"active"`
	Occurrence     int       `json:"occurrence,omitempty"`
	OccurrenceType string    `json:"occurrenceType,omitempty"`
	TransactionID  string    `json:"transactionId"`
}

func toSubscriptionResponse(s domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:             s.ID,
		PlanID:         s.PlanID,
		PlanName:       s.PlanName,
		StartAt:        s.StartAt,
		EndAt:          s.EndAt,
		Active:         s.Active,
		Occurrence:     s.Occurrence,
		OccurrenceType: s.OccurrenceType,
		TransactionID:  s.TransactionID,
	}
}

type currentSubscriptionResponse struct {
	Subscription subscriptionResponse `json:"subscription"`
	Plan         domain.Plan          `json:"plan"`
	Unlimited    bool                 `json:"unlimited"`
	// Remaining is omitted for unlimited plans.
	Remaining *int `json:"remaining,omitempty"`
}

// ListPlans returns the catalog ordered by rank.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// CurrentSubscription returns the subscription the gate would use right
// now, or 404 when the caller has none.
func (h *SubscriptionHandler) CurrentSubscription(w http.ResponseWriter, r *http.Request) {
	status, err := h.entitlements.Status(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := currentSubscriptionResponse{
		Subscription: toSubscriptionResponse(status.Subscription),
		Plan:         status.Plan,
		Unlimited:    status.Unlimited,
	}
	if !status.Unlimited {
		remaining := status.Remaining
		resp.Remaining = &remaining
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListSubscriptions returns every subscription the caller ever had,
// newest first.
func (h *SubscriptionHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.entitlements.History(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, toSubscriptionResponse(s))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}
