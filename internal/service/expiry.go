package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/events"
	"github.com/DukeRupert/meanas/internal/metrics"
	"github.com/DukeRupert/meanas/internal/repository"
)

// ExpiryService deactivates subscriptions whose end date has passed.
type ExpiryService interface {
	Sweep(ctx context.Context) (int, error)
}

type expiryService struct {
	store     repository.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewExpiryService creates a new ExpiryService.
func NewExpiryService(store repository.Store, publisher events.Publisher, logger *slog.Logger) ExpiryService {
	return &expiryService{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep flips active to false on expired subscriptions and publishes one
// event per subscription.
func (s *expiryService) Sweep(ctx context.Context) (int, error) {
	const op = "expiry.sweep"

	expired, err := s.store.ExpireSubscriptions(ctx, s.now())
	if err != nil {
		return 0, domain.Internal(err, op, "failed to expire subscriptions")
	}
	if len(expired) == 0 {
		return 0, nil
	}

	metrics.SubscriptionsExpired.Add(float64(len(expired)))
	s.logger.Info("subscriptions expired", "count", len(expired))

	for _, sub := range expired {
		if err := s.publisher.Publish(ctx, events.SubscriptionExpired, events.NewSubscriptionEvent(sub)); err != nil {
			s.logger.Warn("failed to publish expiry event", "subscription_id", sub.ID, "error", err)
		}
	}
	return len(expired), nil
}
