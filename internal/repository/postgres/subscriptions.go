package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// =============================================================================
// Activation Requests
// =============================================================================

const createActivationRequest = `
INSERT INTO activation_requests (id, user_id, plan_id, transaction_id, created_at)
VALUES ($1, $2, $3, $4, $5)`

func (q *Queries) CreateActivationRequest(ctx context.Context, r domain.ActivationRequest) error {
	_, err := q.db.Exec(ctx, createActivationRequest, r.ID, r.UserID, r.PlanID, r.TransactionID, r.CreatedAt)
	return mapError(err)
}

// FOR UPDATE serializes concurrent activations of the same request: the
// loser blocks until the winner commits, then sees the row gone.
const getActivationRequest = `
SELECT id, user_id, plan_id, transaction_id, created_at
FROM activation_requests WHERE id = $1
FOR UPDATE`

func (q *Queries) GetActivationRequest(ctx context.Context, id uuid.UUID) (domain.ActivationRequest, error) {
	var r domain.ActivationRequest
	err := q.db.QueryRow(ctx, getActivationRequest, id).Scan(
		&r.ID,
		&r.UserID,
		&r.PlanID,
		&r.TransactionID,
		&r.CreatedAt,
	)
	return r, mapError(err)
}

const deleteActivationRequest = `DELETE FROM activation_requests WHERE id = $1`

func (q *Queries) DeleteActivationRequest(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, deleteActivationRequest, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// =============================================================================
// Subscriptions
// =============================================================================

const subscriptionColumns = `id, user_id, plan_id, plan_name, start_at, end_at, active,
	occurrence, occurrence_type, transaction_id, created_at`

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.PlanName,
		&s.StartAt,
		&s.EndAt,
		&s.Active,
		&s.Occurrence,
		&s.OccurrenceType,
		&s.TransactionID,
		&s.CreatedAt,
	)
	return s, err
}

func collectSubscriptions(rows pgx.Rows, err error) ([]domain.Subscription, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

const createSubscription = `
INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (q *Queries) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	_, err := q.db.Exec(ctx, createSubscription,
		s.ID,
		s.UserID,
		s.PlanID,
		s.PlanName,
		s.StartAt,
		s.EndAt,
		s.Active,
		s.Occurrence,
		s.OccurrenceType,
		s.TransactionID,
		s.CreatedAt,
	)
	return mapError(err)
}

const findValidSubscription = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE user_id = $1 AND plan_id = $2 AND active AND end_at > $3
ORDER BY end_at DESC
LIMIT 1`

func (q *Queries) FindValidSubscription(ctx context.Context, userID, planID string, now time.Time) (domain.Subscription, error) {
	s, err := scanSubscription(q.db.QueryRow(ctx, findValidSubscription, userID, planID, now))
	return s, mapError(err)
}

const listValidSubscriptions = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE user_id = $1 AND active AND end_at > $2
ORDER BY end_at DESC`

func (q *Queries) ListValidSubscriptions(ctx context.Context, userID string, now time.Time) ([]domain.Subscription, error) {
	return collectSubscriptions(q.db.Query(ctx, listValidSubscriptions, userID, now))
}

const countSubscriptions = `SELECT COUNT(*) FROM subscriptions WHERE user_id = $1 AND plan_id = $2`

func (q *Queries) CountSubscriptions(ctx context.Context, userID, planID string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countSubscriptions, userID, planID).Scan(&n)
	return n, mapError(err)
}

const listSubscriptions = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE user_id = $1
ORDER BY start_at DESC`

func (q *Queries) ListSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	return collectSubscriptions(q.db.Query(ctx, listSubscriptions, userID))
}

const expireSubscriptions = `
UPDATE subscriptions SET active = FALSE
WHERE active AND end_at <= $1
RETURNING ` + subscriptionColumns

func (q *Queries) ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	return collectSubscriptions(q.db.Query(ctx, expireSubscriptions, now))
}

// The advisory lock is released at transaction end.
const lockUser = `SELECT pg_advisory_xact_lock(hashtext($1))`

func (q *Queries) LockUser(ctx context.Context, userID string) error {
	_, err := q.db.Exec(ctx, lockUser, userID)
	return err
}

// =============================================================================
// Usage Counters
// =============================================================================

const upsertUsageCounter = `
INSERT INTO usage_counters (id, user_id, subscription_id, remaining, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, subscription_id) DO UPDATE SET
	remaining = EXCLUDED.remaining,
	updated_at = EXCLUDED.updated_at`

func (q *Queries) UpsertUsageCounter(ctx context.Context, c domain.UsageCounter) error {
	_, err := q.db.Exec(ctx, upsertUsageCounter, c.ID, c.UserID, c.SubscriptionID, c.Remaining, c.UpdatedAt)
	return mapError(err)
}

const usageCounterColumns = `id, user_id, subscription_id, remaining, updated_at`

func scanUsageCounter(row pgx.Row) (domain.UsageCounter, error) {
	var c domain.UsageCounter
	err := row.Scan(&c.ID, &c.UserID, &c.SubscriptionID, &c.Remaining, &c.UpdatedAt)
	return c, err
}

const getUsageCounter = `SELECT ` + usageCounterColumns + ` FROM usage_counters
WHERE user_id = $1 AND subscription_id = $2`

func (q *Queries) GetUsageCounter(ctx context.Context, userID string, subscriptionID uuid.UUID) (domain.UsageCounter, error) {
	c, err := scanUsageCounter(q.db.QueryRow(ctx, getUsageCounter, userID, subscriptionID))
	return c, mapError(err)
}

const decrementUsage = `
UPDATE usage_counters SET remaining = remaining - 1, updated_at = NOW()
WHERE id = $1 AND remaining > 0
RETURNING ` + usageCounterColumns

const usageCounterExists = `SELECT EXISTS (SELECT 1 FROM usage_counters WHERE id = $1)`

func (q *Queries) DecrementUsage(ctx context.Context, counterID uuid.UUID) (domain.UsageCounter, error) {
	c, err := scanUsageCounter(q.db.QueryRow(ctx, decrementUsage, counterID))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.UsageCounter{}, mapError(err)
	}

	var exists bool
	if err := q.db.QueryRow(ctx, usageCounterExists, counterID).Scan(&exists); err != nil {
		return domain.UsageCounter{}, mapError(err)
	}
	if !exists {
		return domain.UsageCounter{}, repository.ErrNotFound
	}
	return domain.UsageCounter{}, repository.ErrUsageExhausted
}
