package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/repository"
)

// JobTypeActivateSubscription turns a paid checkout into a subscription.
const JobTypeActivateSubscription = "activate_subscription"

// Dequeue order is priority first, then scheduled time.
const (
	PriorityNormal = 10
	PriorityHigh   = 20
)

// DefaultMaxAttempts bounds retries. With the default backoff eight
// attempts span roughly ten minutes of store outage.
const DefaultMaxAttempts = 8

// ActivateSubscriptionPayload is the payload of activation jobs.
type ActivateSubscriptionPayload struct {
	ActivationRequestID uuid.UUID `json:"activation_request_id"`
}

// EnqueueOption adjusts the parameters of a job before it is stored.
type EnqueueOption func(*repository.EnqueueJobParams)

func WithPriority(priority int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) { p.Priority = priority }
}

// WithDelay shifts the scheduled time; a negative delay makes the job due
// immediately even against a clock that lags the store's.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(p *repository.EnqueueJobParams) { p.ScheduledAt = p.ScheduledAt.Add(delay) }
}

// EnqueueJob stores a job of the given type with a JSON payload. Pass the
// Queries of an open transaction to commit the job with the writes that
// produced it.
func EnqueueJob(ctx context.Context, q repository.JobQueries, jobType string, payload any, opts ...EnqueueOption) (repository.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return repository.Job{}, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	params := repository.EnqueueJobParams{
		JobType:     jobType,
		Payload:     raw,
		Priority:    PriorityNormal,
		MaxAttempts: DefaultMaxAttempts,
		ScheduledAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&params)
	}

	job, err := q.EnqueueJob(ctx, params)
	if err != nil {
		return repository.Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return job, nil
}

// EnqueueActivateSubscription schedules activation of the given request
// ahead of normal-priority work.
func EnqueueActivateSubscription(ctx context.Context, q repository.JobQueries, activationRequestID uuid.UUID, opts ...EnqueueOption) (repository.Job, error) {
	payload := ActivateSubscriptionPayload{ActivationRequestID: activationRequestID}
	opts = append([]EnqueueOption{WithPriority(PriorityHigh)}, opts...)
	return EnqueueJob(ctx, q, JobTypeActivateSubscription, payload, opts...)
}
