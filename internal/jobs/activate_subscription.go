// Package jobs holds the background job handlers run by the worker.
package jobs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/service"
	"github.com/DukeRupert/meanas/internal/worker"
)

// ActivateSubscriptionHandler turns a settled payment's ActivationRequest
// into a subscription. Store failures are returned as-is so the worker
// retries them with backoff.
type ActivateSubscriptionHandler struct {
	activation service.ActivationService
	logger     *slog.Logger
}

// NewActivateSubscriptionHandler creates the handler.
func NewActivateSubscriptionHandler(activation service.ActivationService, logger *slog.Logger) *ActivateSubscriptionHandler {
	return &ActivateSubscriptionHandler{activation: activation, logger: logger}
}

func (h *ActivateSubscriptionHandler) Type() string {
	return worker.JobTypeActivateSubscription
}

// Handle activates the request named in the payload. A request referring to
// a plan that no longer exists fails permanently; the request itself has
// already been discarded by then.
func (h *ActivateSubscriptionHandler) Handle(ctx context.Context, payload []byte) error {
	p, err := worker.DecodePayload[worker.ActivateSubscriptionPayload](payload)
	if err != nil {
		return err
	}
	if p.ActivationRequestID == uuid.Nil {
		return worker.Permanentf("activation request id is missing")
	}

	res, err := h.activation.Activate(ctx, p.ActivationRequestID)
	if err != nil {
		return err
	}

	if res.Outcome == service.ActivationPlanMissing {
		return worker.Permanentf("activation request %s references missing plan %q", p.ActivationRequestID, res.Request.PlanID)
	}

	h.logger.Debug("activation job finished", "activation_request_id", p.ActivationRequestID, "outcome", res.Outcome)
	return nil
}

var _ worker.JobHandler = (*ActivateSubscriptionHandler)(nil)
