// Package auth carries the authenticated caller through request contexts.
//
// It is imported by both middleware and handler packages, so it must not
// import either of them.
package auth

import (
	"context"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/identity"
)

type contextKey string

const identityContextKey contextKey = "identity"

// SetIdentity stores the verified caller in the context.
func SetIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// GetIdentity returns the verified caller, if any.
func GetIdentity(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(identity.Identity)
	return id, ok && id.UserID != ""
}

// GetUserID returns the caller's user id, or "" when unauthenticated.
func GetUserID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.UserID
}

const entitlementContextKey contextKey = "entitlement"

// metering is what the gate shares with a metered handler.
type metering struct {
	ent     domain.Entitlement
	spent   bool
	updated domain.Entitlement
}

// SetEntitlement stores the entitlement the gate resolved for this request.
func SetEntitlement(ctx context.Context, ent domain.Entitlement) context.Context {
	return context.WithValue(ctx, entitlementContextKey, &metering{ent: ent})
}

// GetEntitlement returns the entitlement resolved by the gate, if any.
func GetEntitlement(ctx context.Context) (domain.Entitlement, bool) {
	m, ok := ctx.Value(entitlementContextKey).(*metering)
	if !ok {
		return domain.Entitlement{}, false
	}
	return m.ent, true
}

// MarkConsumed tells the gate that the handler already spent this
// request's unit together with its own writes. updated is the entitlement
// left afterwards. It does nothing outside a gated request.
func MarkConsumed(ctx context.Context, updated domain.Entitlement) {
	if m, ok := ctx.Value(entitlementContextKey).(*metering); ok {
		m.spent, m.updated = true, updated
	}
}

// Consumed returns the entitlement recorded by MarkConsumed.
func Consumed(ctx context.Context) (domain.Entitlement, bool) {
	m, ok := ctx.Value(entitlementContextKey).(*metering)
	if !ok || !m.spent {
		return domain.Entitlement{}, false
	}
	return m.updated, true
}
