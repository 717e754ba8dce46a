// Package identity resolves the acting user of a request and which products
// they sell.
package identity

import (
	"context"
	"strings"

	"discount-engine/internal/model"
)

type contextKey struct{}

// HeaderUserID carries the authenticated user id set by the upstream gateway.
const HeaderUserID = "X-User-ID"

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, strings.TrimSpace(userID))
}

// UserIDFromContext returns the user id stored by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// OwnerLookup returns the seller of a product.
type OwnerLookup interface {
	GetOwnerID(ctx context.Context, productID string) (string, error)
}

// Resolver answers identity questions from the request context and the product catalogue.
type Resolver struct {
	owners OwnerLookup
}

// NewResolver creates a Resolver backed by owners.
func NewResolver(owners OwnerLookup) *Resolver {
	return &Resolver{owners: owners}
}

// CurrentUserID returns the user of the request or model.ErrUnauthenticated.
func (r *Resolver) CurrentUserID(ctx context.Context) (string, error) {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return "", model.ErrUnauthenticated
	}
	return userID, nil
}

// IsOwner reports whether userID sells productID.
func (r *Resolver) IsOwner(ctx context.Context, userID, productID string) (bool, error) {
	if userID == "" {
		return false, nil
	}

	ownerID, err := r.owners.GetOwnerID(ctx, productID)
	if err != nil {
		return false, err
	}
	return ownerID == userID, nil
}
