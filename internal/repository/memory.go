package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/google/uuid"
)

// Memory is an in-process Store. Transactions are serialized by a single
// mutex and rolled back from a snapshot when fn fails.
type Memory struct {
	memQueries

	mu   sync.Mutex
	data *memData
}

type memData struct {
	plans       map[string]domain.Plan
	payments    map[string]domain.PaymentRecord // by transaction id
	activations map[uuid.UUID]domain.ActivationRequest
	subs        map[uuid.UUID]domain.Subscription
	counters    map[uuid.UUID]domain.UsageCounter
	jobs        map[uuid.UUID]Job
	projects    map[uuid.UUID]domain.Project
}

func newMemData() *memData {
	return &memData{
		plans:       make(map[string]domain.Plan),
		payments:    make(map[string]domain.PaymentRecord),
		activations: make(map[uuid.UUID]domain.ActivationRequest),
		subs:        make(map[uuid.UUID]domain.Subscription),
		counters:    make(map[uuid.UUID]domain.UsageCounter),
		jobs:        make(map[uuid.UUID]Job),
		projects:    make(map[uuid.UUID]domain.Project),
	}
}

func (d *memData) clone() *memData {
	return &memData{
		plans:       maps.Clone(d.plans),
		payments:    maps.Clone(d.payments),
		activations: maps.Clone(d.activations),
		subs:        maps.Clone(d.subs),
		counters:    maps.Clone(d.counters),
		jobs:        maps.Clone(d.jobs),
		projects:    maps.Clone(d.projects),
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{data: newMemData()}
	m.memQueries = memQueries{m: m}
	return m
}

// WithTx runs fn with exclusive access to the store.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(ctx, memQueries{m: m, tx: true}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// memQueries implements Queries. Outside a transaction every call takes the
// store mutex; inside one the caller already holds it.
type memQueries struct {
	m  *Memory
	tx bool
}

func (q memQueries) lock() func() {
	if q.tx {
		return func() {}
	}
	q.m.mu.Lock()
	return q.m.mu.Unlock
}

// =============================================================================
// Plans
// =============================================================================

func (q memQueries) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	defer q.lock()()
	p, ok := q.m.data.plans[id]
	if !ok {
		return domain.Plan{}, ErrNotFound
	}
	return p, nil
}

func (q memQueries) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	defer q.lock()()
	plans := make([]domain.Plan, 0, len(q.m.data.plans))
	for _, p := range q.m.data.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Rank == plans[j].Rank {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].Rank < plans[j].Rank
	})
	return plans, nil
}

func (q memQueries) UpsertPlan(ctx context.Context, plan domain.Plan) error {
	defer q.lock()()
	q.m.data.plans[plan.ID] = plan
	return nil
}

// =============================================================================
// Payments
// =============================================================================

func (q memQueries) CreatePayment(ctx context.Context, p domain.PaymentRecord) error {
	defer q.lock()()
	if _, exists := q.m.data.payments[p.TransactionID]; exists {
		return ErrConflict
	}
	q.m.data.payments[p.TransactionID] = p
	return nil
}

func (q memQueries) GetPayment(ctx context.Context, userID, transactionID string) (domain.PaymentRecord, error) {
	defer q.lock()()
	p, ok := q.m.data.payments[transactionID]
	if !ok || p.UserID != userID {
		return domain.PaymentRecord{}, ErrNotFound
	}
	return p, nil
}

func (q memQueries) MarkPaymentSucceeded(ctx context.Context, userID, transactionID string, at time.Time) (domain.PaymentRecord, error) {
	defer q.lock()()
	p, ok := q.m.data.payments[transactionID]
	if !ok || p.UserID != userID || p.Status != domain.PaymentStatusPending {
		return domain.PaymentRecord{}, ErrNotFound
	}
	p.Status = domain.PaymentStatusSuccess
	p.UpdatedAt = at
	q.m.data.payments[transactionID] = p
	return p, nil
}

// =============================================================================
// Activation Requests
// =============================================================================

func (q memQueries) CreateActivationRequest(ctx context.Context, r domain.ActivationRequest) error {
	defer q.lock()()
	if _, exists := q.m.data.activations[r.ID]; exists {
		return ErrConflict
	}
	for _, other := range q.m.data.activations {
		if other.TransactionID == r.TransactionID {
			return ErrConflict
		}
	}
	q.m.data.activations[r.ID] = r
	return nil
}

func (q memQueries) GetActivationRequest(ctx context.Context, id uuid.UUID) (domain.ActivationRequest, error) {
	defer q.lock()()
	r, ok := q.m.data.activations[id]
	if !ok {
		return domain.ActivationRequest{}, ErrNotFound
	}
	return r, nil
}

func (q memQueries) DeleteActivationRequest(ctx context.Context, id uuid.UUID) error {
	defer q.lock()()
	if _, ok := q.m.data.activations[id]; !ok {
		return ErrNotFound
	}
	delete(q.m.data.activations, id)
	return nil
}

// =============================================================================
// Subscriptions
// =============================================================================

func (q memQueries) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	defer q.lock()()
	if _, exists := q.m.data.subs[s.ID]; exists {
		return ErrConflict
	}
	q.m.data.subs[s.ID] = s
	return nil
}

func (q memQueries) FindValidSubscription(ctx context.Context, userID, planID string, now time.Time) (domain.Subscription, error) {
	defer q.lock()()
	valid := q.valid(now, func(s domain.Subscription) bool {
		return s.UserID == userID && s.PlanID == planID
	})
	if len(valid) == 0 {
		return domain.Subscription{}, ErrNotFound
	}
	return valid[0], nil
}

func (q memQueries) ListValidSubscriptions(ctx context.Context, userID string, now time.Time) ([]domain.Subscription, error) {
	defer q.lock()()
	return q.valid(now, func(s domain.Subscription) bool {
		return s.UserID == userID
	}), nil
}

// valid returns matching subscriptions valid at now, latest end first.
func (q memQueries) valid(now time.Time, match func(domain.Subscription) bool) []domain.Subscription {
	var subs []domain.Subscription
	for _, s := range q.m.data.subs {
		if match(s) && s.IsValidAt(now) {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].EndAt.After(subs[j].EndAt)
	})
	return subs
}

func (q memQueries) CountSubscriptions(ctx context.Context, userID, planID string) (int64, error) {
	defer q.lock()()
	var n int64
	for _, s := range q.m.data.subs {
		if s.UserID == userID && s.PlanID == planID {
			n++
		}
	}
	return n, nil
}

func (q memQueries) ListSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	defer q.lock()()
	var subs []domain.Subscription
	for _, s := range q.m.data.subs {
		if s.UserID == userID {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].StartAt.After(subs[j].StartAt)
	})
	return subs, nil
}

func (q memQueries) ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	defer q.lock()()
	var expired []domain.Subscription
	for id, s := range q.m.data.subs {
		if s.Active && !s.EndAt.After(now) {
			s.Active = false
			q.m.data.subs[id] = s
			expired = append(expired, s)
		}
	}
	return expired, nil
}

// LockUser is a no-op: the memory store already serializes transactions.
func (q memQueries) LockUser(ctx context.Context, userID string) error {
	return nil
}

// =============================================================================
// Usage Counters
// =============================================================================

func (q memQueries) UpsertUsageCounter(ctx context.Context, c domain.UsageCounter) error {
	defer q.lock()()
	for id, existing := range q.m.data.counters {
		if existing.UserID == c.UserID && existing.SubscriptionID == c.SubscriptionID {
			existing.Remaining = c.Remaining
			existing.UpdatedAt = c.UpdatedAt
			q.m.data.counters[id] = existing
			return nil
		}
	}
	q.m.data.counters[c.ID] = c
	return nil
}

func (q memQueries) GetUsageCounter(ctx context.Context, userID string, subscriptionID uuid.UUID) (domain.UsageCounter, error) {
	defer q.lock()()
	for _, c := range q.m.data.counters {
		if c.UserID == userID && c.SubscriptionID == subscriptionID {
			return c, nil
		}
	}
	return domain.UsageCounter{}, ErrNotFound
}

func (q memQueries) DecrementUsage(ctx context.Context, counterID uuid.UUID) (domain.UsageCounter, error) {
	defer q.lock()()
	c, ok := q.m.data.counters[counterID]
	if !ok {
		return domain.UsageCounter{}, ErrNotFound
	}
	if c.Remaining <= 0 {
		return domain.UsageCounter{}, ErrUsageExhausted
	}
	c.Remaining--
	c.UpdatedAt = time.Now()
	q.m.data.counters[counterID] = c
	return c, nil
}

// =============================================================================
// Jobs
// =============================================================================

func (q memQueries) EnqueueJob(ctx context.Context, params EnqueueJobParams) (Job, error) {
	defer q.lock()()
	job := Job{
		ID:          uuid.New(),
		JobType:     params.JobType,
		Payload:     params.Payload,
		Status:      JobStatusPending,
		Priority:    params.Priority,
		MaxAttempts: params.MaxAttempts,
		ScheduledAt: params.ScheduledAt,
		CreatedAt:   time.Now(),
	}
	q.m.data.jobs[job.ID] = job
	return job, nil
}

func (q memQueries) DequeueJob(ctx context.Context, now time.Time) (Job, error) {
	defer q.lock()()
	var (
		next Job
		ok   bool
	)
	for _, j := range q.m.data.jobs {
		if j.Status != JobStatusPending || j.ScheduledAt.After(now) {
			continue
		}
		if !ok || j.Priority > next.Priority ||
			(j.Priority == next.Priority && j.ScheduledAt.Before(next.ScheduledAt)) {
			next, ok = j, true
		}
	}
	if !ok {
		return Job{}, ErrNoJobs
	}
	started := now
	next.Status = JobStatusRunning
	next.Attempts++
	next.StartedAt = &started
	q.m.data.jobs[next.ID] = next
	return next, nil
}

func (q memQueries) CompleteJob(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer q.lock()()
	j, ok := q.m.data.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusCompleted
	j.CompletedAt = &at
	q.m.data.jobs[id] = j
	return nil
}

func (q memQueries) FailJob(ctx context.Context, params FailJobParams) error {
	defer q.lock()()
	j, ok := q.m.data.jobs[params.ID]
	if !ok {
		return ErrNotFound
	}
	j.ErrorMessage = params.ErrorMessage
	if params.RetryAt == nil {
		failedAt := params.FailedAt
		j.Status = JobStatusFailed
		j.CompletedAt = &failedAt
	} else {
		j.Status = JobStatusPending
		j.ScheduledAt = *params.RetryAt
		j.StartedAt = nil
	}
	q.m.data.jobs[params.ID] = j
	return nil
}

func (q memQueries) RecoverStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	defer q.lock()()
	var n int64
	for id, j := range q.m.data.jobs {
		if j.Status == JobStatusRunning && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			j.Status = JobStatusPending
			j.StartedAt = nil
			q.m.data.jobs[id] = j
			n++
		}
	}
	return n, nil
}

// Job returns a job by id. It exists for tests and diagnostics.
func (m *Memory) Job(id uuid.UUID) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.data.jobs[id]
	return j, ok
}

// =============================================================================
// Projects
// =============================================================================

func (q memQueries) CreateProject(ctx context.Context, p domain.Project) error {
	defer q.lock()()
	if _, exists := q.m.data.projects[p.ID]; exists {
		return ErrConflict
	}
	q.m.data.projects[p.ID] = p
	return nil
}

func (q memQueries) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	defer q.lock()()
	var projects []domain.Project
	for _, p := range q.m.data.projects {
		if p.UserID == userID {
			projects = append(projects, p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

func (q memQueries) DeleteProject(ctx context.Context, userID string, id uuid.UUID) (domain.Project, error) {
	defer q.lock()()
	p, ok := q.m.data.projects[id]
	if !ok || p.UserID != userID {
		return domain.Project{}, ErrNotFound
	}
	delete(q.m.data.projects, id)
	return p, nil
}

var _ Store = (*Memory)(nil)
