// Package mongo implements repository.Store on MongoDB.
//
// Multi-document transactions require a replica set or sharded cluster;
// a standalone server rejects WithTx.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/meanas/internal/repository"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Collection names.
const (
	colPlans       = "plans"
	colPayments    = "payments"
	colActivations = "activation_requests"
	colSubs        = "subscriptions"
	colCounters    = "usage_counters"
	colJobs        = "jobs"
	colProjects    = "projects"
	colUserLocks   = "user_locks"
)

// Config holds connection settings.
type Config struct {
	URL            string
	Database       string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}

// Queries implements repository.Queries. Inside WithTx the session travels
// in ctx, so the same value serves both modes.
type Queries struct {
	db *mongo.Database
}

// Store is a repository.Store backed by a MongoDB database.
type Store struct {
	*Queries
	client *mongo.Client
}

// Connect dials the server, retrying until it answers a ping.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var lastErr error
	for i := 1; i <= cfg.RetryAttempts; i++ {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(cfg.URL).
				SetConnectTimeout(cfg.ConnectTimeout).
				SetRetryWrites(true).
				SetRetryReads(true),
		)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			err = client.Ping(pingCtx, readpref.Primary())
			cancel()
			if err == nil {
				return New(client, cfg.Database), nil
			}
			_ = client.Disconnect(ctx)
		}
		lastErr = err
		logger.Warn("mongo not ready", "attempt", i, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("mongo not ready after %d attempts: %w", cfg.RetryAttempts, lastErr)
}

// New wraps a connected client.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		Queries: &Queries{db: client.Database(database)},
		client:  client,
	}
}

// EnsureIndexes creates the indexes the queries rely on. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colPayments: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colActivations: {
			{Keys: bson.D{{Key: "transaction_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colSubs: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "plan_id", Value: 1}}},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "end_at", Value: 1}}},
		},
		colCounters: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "subscription_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colJobs: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: -1}, {Key: "scheduled_at", Value: 1}}},
		},
		colProjects: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

// WithTx runs fn inside a multi-document transaction. The driver retries
// fn on transient transaction errors, so fn must be safe to re-run.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, q repository.Queries) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, s.Queries)
	})
	return err
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (q *Queries) col(name string) *mongo.Collection {
	return q.db.Collection(name)
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return repository.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", repository.ErrConflict, err)
	}
	return err
}

var _ repository.Store = (*Store)(nil)
