// Package events publishes subscription lifecycle events for downstream
// consumers (email, analytics, CRM sync).
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/domain"
)

// Routing keys.
const (
	SubscriptionActivated = "subscription.activated"
	SubscriptionExpired   = "subscription.expired"
)

// Envelope is the JSON body of every published message.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// SubscriptionEvent is the payload of both lifecycle events.
type SubscriptionEvent struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	UserID         string    `json:"userId"`
	PlanID         string    `json:"planId"`
	TransactionID  string    `json:"transactionId,omitempty"`
	StartAt        time.Time `json:"startAt"`
	EndAt          time.Time `json:"endAt"`
}

// NewSubscriptionEvent builds the payload for s.
func NewSubscriptionEvent(s domain.Subscription) SubscriptionEvent {
	return SubscriptionEvent{
		SubscriptionID: s.ID,
		UserID:         s.UserID,
		PlanID:         s.PlanID,
		TransactionID:  s.TransactionID,
		StartAt:        s.StartAt,
		EndAt:          s.EndAt,
	}
}

// Publisher delivers events. Publishing is best effort: callers log
// failures and carry on, the database remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
	Close() error
}

func newEnvelope(routingKey string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:         uuid.New(),
		Type:       routingKey,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// LogPublisher logs events instead of delivering them. It is used when no
// broker is configured or the broker is unreachable at startup.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, routingKey string, data any) error {
	env, err := newEnvelope(routingKey, data)
	if err != nil {
		return err
	}
	p.logger.Info("event (not delivered)", "type", env.Type, "event_id", env.ID, "data", string(env.Data))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

var _ Publisher = (*LogPublisher)(nil)
