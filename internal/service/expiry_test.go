package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/events"
)

func TestExpiry_Sweep(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t)
	pub := &fakePublisher{}
	svc := NewExpiryService(store, pub, testLogger())

	old := activeSubscription(t, store, "u1", domain.PlanStandard, 3)
	activeSubscription(t, store, "u2", domain.PlanStandard, 3)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing has ended yet")
	assert.Empty(t, pub.keys())

	svc.(*expiryService).now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	n, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{events.SubscriptionExpired, events.SubscriptionExpired}, pub.keys())

	subs, err := store.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, old.ID, subs[0].ID)
	assert.False(t, subs[0].Active)

	n, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already expired subscriptions are not reported twice")
}
