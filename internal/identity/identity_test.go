package identity

import (
	"context"
	"errors"
	"testing"

	"discount-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticOwners map[string]string

func (s staticOwners) GetOwnerID(_ context.Context, productID string) (string, error) {
	owner, ok := s[productID]
	if !ok {
		return "", model.ErrProductNotFound
	}
	if owner == "boom" {
		return "", errors.New("database error")
	}
	return owner, nil
}

func TestUserIDFromContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = UserIDFromContext(WithUserID(context.Background(), "   "))
	assert.False(t, ok)

	userID, ok := UserIDFromContext(WithUserID(context.Background(), " seller-1 "))
	assert.True(t, ok)
	assert.Equal(t, "seller-1", userID)
}

func TestResolver_CurrentUserID(t *testing.T) {
	r := NewResolver(staticOwners{})

	_, err := r.CurrentUserID(context.Background())
	assert.Equal(t, model.ErrUnauthenticated, err)

	userID, err := r.CurrentUserID(WithUserID(context.Background(), "seller-1"))
	require.NoError(t, err)
	assert.Equal(t, "seller-1", userID)
}

func TestResolver_IsOwner(t *testing.T) {
	r := NewResolver(staticOwners{"P001": "seller-1", "P002": "boom"})
	ctx := context.Background()

	tests := []struct {
		name      string
		userID    string
		productID string
		want      bool
		wantErr   error
		anyErr    bool
	}{
		{name: "Owner", userID: "seller-1", productID: "P001", want: true},
		{name: "Other seller", userID: "seller-2", productID: "P001", want: false},
		{name: "Anonymous", userID: "", productID: "P001", want: false},
		{name: "Unknown product", userID: "seller-1", productID: "P404", wantErr: model.ErrProductNotFound},
		{name: "Lookup failure", userID: "seller-1", productID: "P002", anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.IsOwner(ctx, tt.userID, tt.productID)

			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, err)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
