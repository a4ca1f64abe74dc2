package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/identity"
)

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	_, ok := GetIdentity(ctx)
	assert.False(t, ok)
	assert.Empty(t, GetUserID(ctx))

	ctx = SetIdentity(ctx, identity.Identity{UserID: "user_1", Email: "a@b.c"})
	id, ok := GetIdentity(ctx)
	assert.True(t, ok)
	assert.Equal(t, "a@b.c", id.Email)
	assert.Equal(t, "user_1", GetUserID(ctx))

	ctx = SetIdentity(context.Background(), identity.Identity{})
	_, ok = GetIdentity(ctx)
	assert.False(t, ok)
}

func TestEntitlementContext(t *testing.T) {
	ctx := context.Background()

	_, ok := GetEntitlement(ctx)
	assert.False(t, ok)
	MarkConsumed(ctx, domain.Entitlement{Remaining: 1})
	_, ok = Consumed(ctx)
	assert.False(t, ok, "nothing to mark without a gate")

	ctx = SetEntitlement(ctx, domain.Entitlement{UserID: "user_1", Remaining: 2})
	ent, ok := GetEntitlement(ctx)
	assert.True(t, ok)
	assert.Equal(t, 2, ent.Remaining)
	_, ok = Consumed(ctx)
	assert.False(t, ok)

	MarkConsumed(ctx, domain.Entitlement{UserID: "user_1", Remaining: 1})
	updated, ok := Consumed(ctx)
	assert.True(t, ok)
	assert.Equal(t, 1, updated.Remaining)

	ent, _ = GetEntitlement(ctx)
	assert.Equal(t, 2, ent.Remaining, "the resolved entitlement is unchanged")
}
