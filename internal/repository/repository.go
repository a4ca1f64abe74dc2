// Package repository defines the persistence contract shared by every store
// backend and provides the in-memory backend used in development and tests.
//
// Backends live in subpackages: postgres (pgx) and mongo (mongo-driver).
// All multi-write sequences run inside Store.WithTx so that a failure never
// leaves a partially applied state change behind.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/google/uuid"
)

// Sentinel errors returned by every backend.
var (
	// ErrNotFound is returned when no row/document matched.
	ErrNotFound = errors.New("repository: not found")

	// ErrConflict is returned when a unique key already exists.
	ErrConflict = errors.New("repository: conflict")

	// ErrUsageExhausted is returned when a conditional decrement finds no
	// remaining units.
	ErrUsageExhausted = errors.New("repository: usage exhausted")

	// ErrNoJobs is returned by DequeueJob when nothing is due.
	ErrNoJobs = errors.New("repository: no jobs available")
)

// =============================================================================
// Query Interfaces
// =============================================================================

// PlanQueries reads and seeds the plan catalog.
type PlanQueries interface {
	GetPlan(ctx context.Context, id string) (domain.Plan, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
	UpsertPlan(ctx context.Context, plan domain.Plan) error
}

// PaymentQueries manages checkout attempts.
type PaymentQueries interface {
	// CreatePayment inserts a new record. A duplicate transaction id
	// returns ErrConflict.
	CreatePayment(ctx context.Context, p domain.PaymentRecord) error

	GetPayment(ctx context.Context, userID, transactionID string) (domain.PaymentRecord, error)

	// MarkPaymentSucceeded flips a PENDING record to SUCCESS. It returns
	// ErrNotFound when no PENDING record matched, which covers both
	// unknown transactions and replays of an already processed one.
	MarkPaymentSucceeded(ctx context.Context, userID, transactionID string, at time.Time) (domain.PaymentRecord, error)
}

// ActivationQueries manages pending entitlement materialization.
type ActivationQueries interface {
	CreateActivationRequest(ctx context.Context, r domain.ActivationRequest) error

	// GetActivationRequest loads a request. Inside a transaction the
	// Postgres backend also row-locks it.
	GetActivationRequest(ctx context.Context, id uuid.UUID) (domain.ActivationRequest, error)

	// DeleteActivationRequest consumes a request, returning ErrNotFound
	// if it was already consumed.
	DeleteActivationRequest(ctx context.Context, id uuid.UUID) error
}

// SubscriptionQueries manages entitlements.
type SubscriptionQueries interface {
	CreateSubscription(ctx context.Context, s domain.Subscription) error

	// FindValidSubscription returns the user's active, unexpired
	// subscription to planID.
	FindValidSubscription(ctx context.Context, userID, planID string, now time.Time) (domain.Subscription, error)

	// ListValidSubscriptions returns the user's active, unexpired
	// subscriptions across all plans, latest end date first.
	ListValidSubscriptions(ctx context.Context, userID string, now time.Time) ([]domain.Subscription, error)

	// CountSubscriptions counts every subscription, valid or not, the user
	// ever held for planID.
	CountSubscriptions(ctx context.Context, userID, planID string) (int64, error)

	ListSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error)

	// ExpireSubscriptions deactivates active subscriptions whose end is
	// not after now and returns them.
	ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error)

	// LockUser serializes entitlement writes for one user within the
	// current transaction.
	LockUser(ctx context.Context, userID string) error
}

// UsageQueries manages metered usage.
type UsageQueries interface {
	// UpsertUsageCounter issues or reseeds the counter for the
	// (user, subscription) pair.
	UpsertUsageCounter(ctx context.Context, c domain.UsageCounter) error

	GetUsageCounter(ctx context.Context, userID string, subscriptionID uuid.UUID) (domain.UsageCounter, error)

	// DecrementUsage atomically decrements remaining when it is above
	// zero. It returns ErrUsageExhausted otherwise.
	DecrementUsage(ctx context.Context, counterID uuid.UUID) (domain.UsageCounter, error)
}

// JobQueries backs the durable job queue.
type JobQueries interface {
	EnqueueJob(ctx context.Context, params EnqueueJobParams) (Job, error)

	// DequeueJob claims the next due pending job, marks it running and
	// increments its attempt count. It returns ErrNoJobs when idle.
	DequeueJob(ctx context.Context, now time.Time) (Job, error)

	CompleteJob(ctx context.Context, id uuid.UUID, at time.Time) error
	FailJob(ctx context.Context, params FailJobParams) error

	// RecoverStaleJobs resets running jobs started before olderThan.
	RecoverStaleJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// ProjectQueries stores completed analyses.
type ProjectQueries interface {
	CreateProject(ctx context.Context, p domain.Project) error
	ListProjects(ctx context.Context, userID string) ([]domain.Project, error)

	// DeleteProject removes the user's project and returns it. A project
	// owned by someone else returns ErrNotFound.
	DeleteProject(ctx context.Context, userID string, id uuid.UUID) (domain.Project, error)
}

// Queries is the full set of operations available inside and outside a
// transaction.
type Queries interface {
	PlanQueries
	PaymentQueries
	ActivationQueries
	SubscriptionQueries
	UsageQueries
	JobQueries
	ProjectQueries
}

// Store is a Queries bound to a backend, able to open transactions.
type Store interface {
	Queries

	// WithTx runs fn in a transaction. fn's error rolls the transaction
	// back and is returned unchanged.
	WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Job Models
// =============================================================================

// JobStatus is the state of a queued job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a unit of background work.
type Job struct {
	ID           uuid.UUID
	JobType      string
	Payload      []byte
	Status       JobStatus
	Priority     int32
	Attempts     int32
	MaxAttempts  int32
	ScheduledAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	CreatedAt    time.Time
}

// EnqueueJobParams holds the insert parameters for a job.
type EnqueueJobParams struct {
	JobType     string
	Payload     []byte
	Priority    int32
	MaxAttempts int32
	ScheduledAt time.Time
}

// FailJobParams records a failed attempt. A nil RetryAt marks the job
// permanently failed; otherwise it returns to pending at RetryAt.
type FailJobParams struct {
	ID           uuid.UUID
	ErrorMessage string
	RetryAt      *time.Time
	FailedAt     time.Time
}
