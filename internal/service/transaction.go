package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/DukeRupert/meanas/internal/billing"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
)

// PaymentStatusNoPaymentRequired is reported for free-plan claims, which
// never reach the processor.
const PaymentStatusNoPaymentRequired = "no_payment_required"

// TransactionStatus is the poller's answer.
type TransactionStatus struct {
	TransactionID string               `json:"transactionId"`
	PlanID        string               `json:"planId"`
	Status        string               `json:"status"`
	RecordStatus  domain.PaymentStatus `json:"recordStatus"`
}

// TransactionService lets the browser poll the processor when the webhook
// is late. It never mutates state.
type TransactionService interface {
	Status(ctx context.Context, userID, transactionID string) (TransactionStatus, error)
}

type transactionService struct {
	store   repository.Store
	billing billing.Service
	logger  *slog.Logger
}

// NewTransactionService creates a new TransactionService.
func NewTransactionService(store repository.Store, billingSvc billing.Service, logger *slog.Logger) TransactionService {
	return &transactionService{store: store, billing: billingSvc, logger: logger}
}

func (s *transactionService) Status(ctx context.Context, userID, transactionID string) (TransactionStatus, error) {
	const op = "transaction.status"

	if userID == "" || transactionID == "" {
		return TransactionStatus{}, domain.Invalid(op, "transaction_id and user_id are required")
	}

	payment, err := s.store.GetPayment(ctx, userID, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return TransactionStatus{}, domain.NotFound(op, "transaction", transactionID)
	}
	if err != nil {
		return TransactionStatus{}, domain.Internal(err, op, "failed to load transaction")
	}

	status := TransactionStatus{
		TransactionID: payment.TransactionID,
		PlanID:        payment.Plan.ID,
		RecordStatus:  payment.Status,
	}

	if payment.SessionID == "" {
		status.Status = PaymentStatusNoPaymentRequired
		return status, nil
	}

	session, err := s.billing.GetCheckoutSession(ctx, payment.SessionID)
	if err != nil {
		return TransactionStatus{}, domain.Unavailable(err, op, "could not reach the payment processor")
	}

	status.Status = session.PaymentStatus
	return status, nil
}
