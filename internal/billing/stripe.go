// Package billing integrates the Stripe payment processor: hosted checkout
// sessions, session status lookups and signed webhook events.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// EventCheckoutCompleted is the only webhook event the service acts on.
const EventCheckoutCompleted = "checkout.session.completed"

// Metadata keys stamped on every checkout session.
const (
	MetadataTransactionID = "transactionId"
	MetadataUserID        = "userId"
	MetadataPlanID        = "planId"
)

var (
	// ErrInvalidSignature means the webhook payload could not be authenticated.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")

	// ErrMalformedEvent means the payload was authentic but unusable.
	ErrMalformedEvent = errors.New("billing: malformed webhook event")
)

// Service defines the payment processor operations the core relies on.
type Service interface {
	// CreateCheckoutSession creates a hosted checkout for one plan, carrying
	// the transaction id as the reconciliation token.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (domain.CheckoutSession, error)

	// GetCheckoutSession fetches the processor's view of a session.
	GetCheckoutSession(ctx context.Context, sessionID string) (domain.CheckoutSession, error)

	// ParseWebhook verifies the signature and decodes the event. The bool
	// is false for event types the service ignores.
	ParseWebhook(payload []byte, signature string) (domain.CheckoutCompletion, bool, error)
}

// CheckoutParams describes one checkout attempt.
type CheckoutParams struct {
	TransactionID string
	UserID        string
	Plan          domain.Plan
	SuccessURL    string
	CancelURL     string
}

// Config configures the Stripe client.
type Config struct {
	SecretKey     string
	WebhookSecret string

	// Timeout bounds every outbound API call.
	Timeout time.Duration

	// MaxNetworkRetries is passed to the Stripe backend.
	MaxNetworkRetries int64

	// APIURL overrides the API endpoint, e.g. for stripe-mock.
	APIURL string
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

// NewStripeService creates a Stripe-backed Service. The client is
// constructed per instance rather than through the package-level key.
func NewStripeService(cfg Config, logger *slog.Logger) Service {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &leveledLogger{logger: logger.With("component", "stripe")},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	api := client.New(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &stripeService{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout,
	}
}

func (s *stripeService) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (domain.CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(p.TransactionID),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem(p.Plan)},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		Metadata: map[string]string{
			MetadataTransactionID: p.TransactionID,
			MetadataUserID:        p.UserID,
			MetadataPlanID:        p.Plan.ID,
		},
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("stripe create checkout session: %w", err)
	}
	return toSession(sess), nil
}

// lineItem prefers a catalog price id and falls back to inline price data.
func lineItem(plan domain.Plan) *stripe.CheckoutSessionLineItemParams {
	if plan.ProcessorPriceID != "" {
		return &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(plan.ProcessorPriceID),
			Quantity: stripe.Int64(1),
		}
	}
	return &stripe.CheckoutSessionLineItemParams{
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(plan.Currency),
			UnitAmount: stripe.Int64(plan.Price),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(plan.Name),
			},
		},
		Quantity: stripe.Int64(1),
	}
}

func (s *stripeService) GetCheckoutSession(ctx context.Context, sessionID string) (domain.CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("stripe get checkout session: %w", err)
	}
	return toSession(sess), nil
}

func (s *stripeService) ParseWebhook(payload []byte, signature string) (domain.CheckoutCompletion, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.CheckoutCompletion{}, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return DecodeCheckoutCompletion(event)
}

// DecodeCheckoutCompletion extracts the reconciliation token and payment
// status from a verified event.
func DecodeCheckoutCompletion(event stripe.Event) (domain.CheckoutCompletion, bool, error) {
	if string(event.Type) != EventCheckoutCompleted {
		return domain.CheckoutCompletion{}, false, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return domain.CheckoutCompletion{}, true, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return domain.CheckoutCompletion{}, true, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	completion := domain.CheckoutCompletion{
		EventID:       event.ID,
		SessionID:     sess.ID,
		TransactionID: sess.ClientReferenceID,
		UserID:        sess.Metadata[MetadataUserID],
		PaymentStatus: string(sess.PaymentStatus),
	}
	if completion.TransactionID == "" {
		completion.TransactionID = sess.Metadata[MetadataTransactionID]
	}
	if completion.TransactionID == "" || completion.UserID == "" {
		return completion, true, fmt.Errorf("%w: missing reconciliation token", ErrMalformedEvent)
	}
	return completion, true, nil
}

func toSession(sess *stripe.CheckoutSession) domain.CheckoutSession {
	return domain.CheckoutSession{
		ID:            sess.ID,
		URL:           sess.URL,
		PaymentStatus: string(sess.PaymentStatus),
	}
}
