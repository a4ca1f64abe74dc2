package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// =============================================================================
// Plans
// =============================================================================

func (q *Queries) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var d planDoc
	if err := q.col(colPlans).FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return domain.Plan{}, mapError(err)
	}
	return d.domain(), nil
}

func (q *Queries) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	opts := options.Find().SetSort(bson.D{{Key: "rank", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := q.col(colPlans).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []planDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	plans := make([]domain.Plan, 0, len(docs))
	for _, d := range docs {
		plans = append(plans, d.domain())
	}
	return plans, nil
}

func (q *Queries) UpsertPlan(ctx context.Context, p domain.Plan) error {
	_, err := q.col(colPlans).ReplaceOne(ctx, bson.M{"_id": p.ID}, toPlanDoc(p), options.Replace().SetUpsert(true))
	return mapError(err)
}

// =============================================================================
// Payments
// =============================================================================

func (q *Queries) CreatePayment(ctx context.Context, p domain.PaymentRecord) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := q.col(colPayments).InsertOne(ctx, toPaymentDoc(p))
	return mapError(err)
}

func (q *Queries) GetPayment(ctx context.Context, userID, transactionID string) (domain.PaymentRecord, error) {
	var d paymentDoc
	filter := bson.M{"_id": transactionID, "user_id": userID}
	if err := q.col(colPayments).FindOne(ctx, filter).Decode(&d); err != nil {
		return domain.PaymentRecord{}, mapError(err)
	}
	return d.domain(), nil
}

func (q *Queries) MarkPaymentSucceeded(ctx context.Context, userID, transactionID string, at time.Time) (domain.PaymentRecord, error) {
	filter := bson.M{
		"_id":     transactionID,
		"user_id": userID,
		"status":  string(domain.PaymentStatusPending),
	}
	update := bson.M{"$set": bson.M{
		"status":     string(domain.PaymentStatusSuccess),
		"updated_at": at,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d paymentDoc
	if err := q.col(colPayments).FindOneAndUpdate(ctx, filter, update, opts).Decode(&d); err != nil {
		return domain.PaymentRecord{}, mapError(err)
	}
	return d.domain(), nil
}

// =============================================================================
// Activation Requests
// =============================================================================

func (q *Queries) CreateActivationRequest(ctx context.Context, r domain.ActivationRequest) error {
	_, err := q.col(colActivations).InsertOne(ctx, activationDoc{
		ID:            r.ID.String(),
		UserID:        r.UserID,
		PlanID:        r.PlanID,
		TransactionID: r.TransactionID,
		CreatedAt:     r.CreatedAt,
	})
	return mapError(err)
}

func (q *Queries) GetActivationRequest(ctx context.Context, id uuid.UUID) (domain.ActivationRequest, error) {
	var d activationDoc
	if err := q.col(colActivations).FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d); err != nil {
		return domain.ActivationRequest{}, mapError(err)
	}
	return d.domain(), nil
}

func (q *Queries) DeleteActivationRequest(ctx context.Context, id uuid.UUID) error {
	res, err := q.col(colActivations).DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return mapError(err)
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// =============================================================================
// Subscriptions
// =============================================================================

func (q *Queries) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	_, err := q.col(colSubs).InsertOne(ctx, toSubscriptionDoc(s))
	return mapError(err)
}

func validFilter(filter bson.M, now time.Time) bson.M {
	filter["active"] = true
	filter["end_at"] = bson.M{"$gt": now}
	return filter
}

func (q *Queries) FindValidSubscription(ctx context.Context, userID, planID string, now time.Time) (domain.Subscription, error) {
	filter := validFilter(bson.M{"user_id": userID, "plan_id": planID}, now)
	opts := options.FindOne().SetSort(bson.D{{Key: "end_at", Value: -1}})

	var d subscriptionDoc
	if err := q.col(colSubs).FindOne(ctx, filter, opts).Decode(&d); err != nil {
		return domain.Subscription{}, mapError(err)
	}
	return d.domain(), nil
}

func (q *Queries) ListValidSubscriptions(ctx context.Context, userID string, now time.Time) ([]domain.Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "end_at", Value: -1}})
	return q.findSubscriptions(ctx, validFilter(bson.M{"user_id": userID}, now), opts)
}

func (q *Queries) CountSubscriptions(ctx context.Context, userID, planID string) (int64, error) {
	return q.col(colSubs).CountDocuments(ctx, bson.M{"user_id": userID, "plan_id": planID})
}

func (q *Queries) ListSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "start_at", Value: -1}})
	return q.findSubscriptions(ctx, bson.M{"user_id": userID}, opts)
}

func (q *Queries) findSubscriptions(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOptions]) ([]domain.Subscription, error) {
	cur, err := q.col(colSubs).Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	var docs []subscriptionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	subs := make([]domain.Subscription, 0, len(docs))
	for _, d := range docs {
		subs = append(subs, d.domain())
	}
	return subs, nil
}

// ExpireSubscriptions flips each candidate individually so that concurrent
// sweeps report every subscription exactly once.
func (q *Queries) ExpireSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	candidates, err := q.findSubscriptions(ctx, bson.M{"active": true, "end_at": bson.M{"$lte": now}})
	if err != nil {
		return nil, err
	}

	var expired []domain.Subscription
	for _, s := range candidates {
		res, err := q.col(colSubs).UpdateOne(ctx,
			bson.M{"_id": s.ID.String(), "active": true},
			bson.M{"$set": bson.M{"active": false}},
		)
		if err != nil {
			return expired, err
		}
		if res.ModifiedCount == 1 {
			s.Active = false
			expired = append(expired, s)
		}
	}
	return expired, nil
}

// LockUser writes a per-user marker document so that two transactions
// touching the same user conflict and one of them is retried.
func (q *Queries) LockUser(ctx context.Context, userID string) error {
	_, err := q.col(colUserLocks).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$inc": bson.M{"version": 1}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// =============================================================================
// Usage Counters
// =============================================================================

func (q *Queries) UpsertUsageCounter(ctx context.Context, c domain.UsageCounter) error {
	_, err := q.col(colCounters).UpdateOne(ctx,
		bson.M{"user_id": c.UserID, "subscription_id": c.SubscriptionID.String()},
		bson.M{
			"$set":         bson.M{"remaining": c.Remaining, "updated_at": c.UpdatedAt},
			"$setOnInsert": bson.M{"_id": c.ID.String()},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return mapError(err)
}

func (q *Queries) GetUsageCounter(ctx context.Context, userID string, subscriptionID uuid.UUID) (domain.UsageCounter, error) {
	var d counterDoc
	filter := bson.M{"user_id": userID, "subscription_id": subscriptionID.String()}
	if err := q.col(colCounters).FindOne(ctx, filter).Decode(&d); err != nil {
		return domain.UsageCounter{}, mapError(err)
	}
	return d.domain(), nil
}

func (q *Queries) DecrementUsage(ctx context.Context, counterID uuid.UUID) (domain.UsageCounter, error) {
	filter := bson.M{"_id": counterID.String(), "remaining": bson.M{"$gt": 0}}
	update := bson.M{
		"$inc": bson.M{"remaining": -1},
		"$set": bson.M{"updated_at": time.Now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d counterDoc
	err := q.col(colCounters).FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if err == nil {
		return d.domain(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return domain.UsageCounter{}, err
	}

	n, err := q.col(colCounters).CountDocuments(ctx, bson.M{"_id": counterID.String()})
	if err != nil {
		return domain.UsageCounter{}, err
	}
	if n == 0 {
		return domain.UsageCounter{}, repository.ErrNotFound
	}
	return domain.UsageCounter{}, repository.ErrUsageExhausted
}

// =============================================================================
// Jobs
// =============================================================================

func (q *Queries) EnqueueJob(ctx context.Context, params repository.EnqueueJobParams) (repository.Job, error) {
	d := jobDoc{
		ID:          uuid.New().String(),
		JobType:     params.JobType,
		Payload:     params.Payload,
		Status:      string(repository.JobStatusPending),
		Priority:    params.Priority,
		MaxAttempts: params.MaxAttempts,
		ScheduledAt: params.ScheduledAt,
		CreatedAt:   time.Now(),
	}
	if _, err := q.col(colJobs).InsertOne(ctx, d); err != nil {
		return repository.Job{}, mapError(err)
	}
	return d.job(), nil
}

func (q *Queries) DequeueJob(ctx context.Context, now time.Time) (repository.Job, error) {
	filter := bson.M{
		"status":       string(repository.JobStatusPending),
		"scheduled_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{"status": string(repository.JobStatusRunning), "started_at": now},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "scheduled_at", Value: 1}}).
		SetReturnDocument(options.After)

	var d jobDoc
	if err := q.col(colJobs).FindOneAndUpdate(ctx, filter, update, opts).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return repository.Job{}, repository.ErrNoJobs
		}
		return repository.Job{}, err
	}
	return d.job(), nil
}

func (q *Queries) CompleteJob(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.updateJob(ctx, id, bson.M{"$set": bson.M{
		"status":       string(repository.JobStatusCompleted),
		"completed_at": at,
	}})
}

func (q *Queries) FailJob(ctx context.Context, params repository.FailJobParams) error {
	if params.RetryAt != nil {
		return q.updateJob(ctx, params.ID, bson.M{
			"$set": bson.M{
				"status":        string(repository.JobStatusPending),
				"error_message": params.ErrorMessage,
				"scheduled_at":  *params.RetryAt,
			},
			"$unset": bson.M{"started_at": ""},
		})
	}
	return q.updateJob(ctx, params.ID, bson.M{"$set": bson.M{
		"status":        string(repository.JobStatusFailed),
		"error_message": params.ErrorMessage,
		"completed_at":  params.FailedAt,
	}})
}

func (q *Queries) updateJob(ctx context.Context, id uuid.UUID, update bson.M) error {
	res, err := q.col(colJobs).UpdateOne(ctx, bson.M{"_id": id.String()}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (q *Queries) RecoverStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.col(colJobs).UpdateMany(ctx,
		bson.M{"status": string(repository.JobStatusRunning), "started_at": bson.M{"$lt": olderThan}},
		bson.M{
			"$set":   bson.M{"status": string(repository.JobStatusPending)},
			"$unset": bson.M{"started_at": ""},
		},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// =============================================================================
// Projects
// =============================================================================

func (q *Queries) CreateProject(ctx context.Context, p domain.Project) error {
	_, err := q.col(colProjects).InsertOne(ctx, toProjectDoc(p))
	return mapError(err)
}

func (q *Queries) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := q.col(colProjects).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []projectDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	projects := make([]domain.Project, 0, len(docs))
	for _, d := range docs {
		projects = append(projects, d.domain())
	}
	return projects, nil
}

func (q *Queries) DeleteProject(ctx context.Context, userID string, id uuid.UUID) (domain.Project, error) {
	var d projectDoc
	filter := bson.M{"_id": id.String(), "user_id": userID}
	if err := q.col(colProjects).FindOneAndDelete(ctx, filter).Decode(&d); err != nil {
		return domain.Project{}, mapError(err)
	}
	return d.domain(), nil
}
