package mongo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/DukeRupert/meanas/internal/repository/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no documents", mongo.ErrNoDocuments, repository.ErrNotFound},
		{"duplicate key", mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}, repository.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}

	other := errors.New("network")
	assert.Equal(t, other, mapError(other))
}

func TestSubscriptionDoc_PreservesIdentity(t *testing.T) {
	sub := domain.NewSubscription("user-1", domain.Plan{ID: "standard", Name: "Standard Plan", DurationDays: 30}, "tx-1", time.Now().UTC())

	doc := toSubscriptionDoc(sub)
	assert.Equal(t, sub.ID.String(), doc.ID)

	back := doc.domain()
	assert.Equal(t, sub.ID, back.ID)
	assert.Equal(t, sub.EndAt, back.EndAt)
	assert.True(t, back.Active)
}

func TestPaymentDoc_CarriesPlanSnapshot(t *testing.T) {
	plan := domain.Plan{ID: "standard", Name: "Standard Plan", Price: 1000, Features: []string{"a"}}
	p := domain.PaymentRecord{TransactionID: "tx-1", UserID: "user-1", Status: domain.PaymentStatusPending, Plan: plan}

	back := toPaymentDoc(p).domain()
	assert.Equal(t, plan, back.Plan)
	assert.Equal(t, domain.PaymentStatusPending, back.Status)
}

// TestStore runs the shared store checks in a throwaway database. The
// server must be a replica set because WithTx uses transactions.
func TestStore(t *testing.T) {
	url := os.Getenv("MONGO_URL")
	if url == "" {
		t.Skip("MONGO_URL not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := Connect(ctx, Config{
		URL:            url,
		Database:       "meanas_test_" + uuid.NewString()[:8],
		ConnectTimeout: 5 * time.Second,
		RetryAttempts:  1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.db.Drop(context.Background())
		_ = store.Close()
	})
	require.NoError(t, store.EnsureIndexes(ctx))

	storetest.Run(t, store)
}
