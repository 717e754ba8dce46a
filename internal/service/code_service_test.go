package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"discount-engine/internal/ledger"
	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCatalog is a mock implementation of Catalog.
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) GetProductPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	args := m.Called(ctx, productID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// MockIdentity is a mock implementation of Identity.
type MockIdentity struct {
	mock.Mock
}

func (m *MockIdentity) CurrentUserID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockIdentity) IsOwner(ctx context.Context, userID, productID string) (bool, error) {
	args := m.Called(ctx, userID, productID)
	return args.Bool(0), args.Error(1)
}

// MockRecorder is a mock implementation of Recorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordOutcome(status model.OutcomeStatus) { m.Called(status) }
func (m *MockRecorder) RecordFinalize(result string)             { m.Called(result) }
func (m *MockRecorder) RecordLifecycle(operation string)         { m.Called(operation) }

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.RedemptionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event model.RedemptionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// memoryCodeRepository is an in-memory CodeRepository.
type memoryCodeRepository struct {
	mu    sync.RWMutex
	codes map[uuid.UUID]model.DiscountCode
	err   error
}

func newMemoryCodeRepository() *memoryCodeRepository {
	return &memoryCodeRepository{codes: make(map[uuid.UUID]model.DiscountCode)}
}

func (r *memoryCodeRepository) Create(_ context.Context, code *model.DiscountCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, c := range r.codes {
		if c.ProductID == code.ProductID && model.NormalizeCode(c.Code) == model.NormalizeCode(code.Code) {
			return model.ErrDuplicateCode
		}
	}
	r.codes[code.ID] = *code
	return nil
}

func (r *memoryCodeRepository) GetByID(_ context.Context, id uuid.UUID) (*model.DiscountCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}
	c, ok := r.codes[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *memoryCodeRepository) GetByProductAndCode(_ context.Context, productID, code string) (*model.DiscountCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, c := range r.codes {
		if c.ProductID == productID && model.NormalizeCode(c.Code) == model.NormalizeCode(code) {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memoryCodeRepository) ListByProduct(_ context.Context, productID string) ([]model.DiscountCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := []model.DiscountCode{}
	for _, c := range r.codes {
		if c.ProductID == productID {
			codes = append(codes, c)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].CreatedAt.After(codes[j].CreatedAt) })
	return codes, nil
}

func (r *memoryCodeRepository) ToggleActive(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[id]
	if !ok {
		return false, model.ErrDiscountNotFound
	}
	c.IsActive = !c.IsActive
	r.codes[id] = c
	return c.IsActive, nil
}

func (r *memoryCodeRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codes[id]; !ok {
		return model.ErrDiscountNotFound
	}
	delete(r.codes, id)
	return nil
}

func (r *memoryCodeRepository) AddCommitted(_ context.Context, id uuid.UUID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	c, ok := r.codes[id]
	if !ok {
		return model.ErrDiscountNotFound
	}
	c.CurrentUses += delta
	r.codes[id] = c
	return nil
}

func (r *memoryCodeRepository) CountActive(_ context.Context, productIDs []string, now time.Time) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}
	wanted := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = true
	}
	counts := make(map[string]int)
	for _, c := range r.codes {
		if !wanted[c.ProductID] || !c.IsActive {
			continue
		}
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			continue
		}
		counts[c.ProductID]++
	}
	return counts, nil
}

func intPtr(v int) *int {
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return testNow
}

type codeServiceFixture struct {
	repo     *memoryCodeRepository
	ledger   *ledger.MemoryLedger
	catalog  *MockCatalog
	identity *MockIdentity
	events   *recordingPublisher
	service  CodeService
}

func newCodeServiceFixture() *codeServiceFixture {
	f := &codeServiceFixture{
		repo:     newMemoryCodeRepository(),
		ledger:   ledger.NewMemoryLedger(ledger.Options{ReservationTTL: time.Minute}, zerolog.Nop()),
		catalog:  new(MockCatalog),
		identity: new(MockIdentity),
		events:   &recordingPublisher{},
	}
	f.service = NewCodeService(f.repo, f.ledger, f.catalog, f.identity, zerolog.Nop(),
		WithClock(fixedClock),
		WithPublisher(f.events),
	)
	return f
}

func (f *codeServiceFixture) ownsProduct(userID, productID string, price string) {
	f.identity.On("IsOwner", mock.Anything, userID, productID).Return(true, nil)
	f.catalog.On("GetProductPrice", mock.Anything, productID).Return(decimal.RequireFromString(price), nil)
}

func TestCodeService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates an active code with zero usage", func(t *testing.T) {
		f := newCodeServiceFixture()
		f.ownsProduct("seller-1", "P001", "40.00")

		code, err := f.service.Create(ctx, "seller-1", "P001", &model.CreateCodeRequest{
			Code:          "Save10",
			DiscountType:  model.DiscountTypePercentage,
			DiscountValue: decimal.NewFromInt(10),
			MaxUses:       intPtr(5),
			ExpiresAt:     timePtr(testNow.Add(time.Hour)),
		})

		require.NoError(t, err)
		assert.Equal(t, "Save10", code.Code)
		assert.True(t, code.IsActive)
		assert.Equal(t, 0, code.CurrentUses)
		assert.Equal(t, 0, code.ReservedUses)
		assert.Equal(t, "seller-1", code.CreatedBy)
		assert.Equal(t, testNow, code.CreatedAt)

		stored, err := f.repo.GetByProductAndCode(ctx, "P001", "SAVE10")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, code.ID, stored.ID)
	})

	t.Run("Fixed value above product price", func(t *testing.T) {
		f := newCodeServiceFixture()
		f.ownsProduct("seller-1", "P001", "40.00")

		code, err := f.service.Create(ctx, "seller-1", "P001", &model.CreateCodeRequest{
			Code:          "BIGFIXED",
			DiscountType:  model.DiscountTypeFixed,
			DiscountValue: decimal.RequireFromString("50.00"),
		})

		require.Error(t, err)
		assert.Nil(t, code)
		assert.Equal(t, model.ErrInvalidFixed, err)
		assert.True(t, model.IsValidationError(err))
	})

	tests := []struct {
		name     string
		existing string
		req      model.CreateCodeRequest
		wantErr  error
	}{
		{
			name:    "Format is checked before uniqueness",
			req:     model.CreateCodeRequest{Code: "SAVE-10", DiscountType: model.DiscountTypePercentage, DiscountValue: decimal.NewFromInt(10)},
			wantErr: model.ErrInvalidCodeFormat,
		},
		{
			name:    "Code longer than twenty characters",
			req:     model.CreateCodeRequest{Code: "ABCDEFGHIJKLMNOPQRSTU", DiscountType: model.DiscountTypePercentage, DiscountValue: decimal.NewFromInt(10)},
			wantErr: model.ErrInvalidCodeFormat,
		},
		{
			name:     "Uniqueness ignores case and precedes value checks",
			existing: "SUMMER",
			req:      model.CreateCodeRequest{Code: "summer", DiscountType: model.DiscountTypePercentage, DiscountValue: decimal.NewFromInt(500)},
			wantErr:  model.ErrDuplicateCode,
		},
		{
			name:    "Percentage above one hundred",
			req:     model.CreateCodeRequest{Code: "HALF", DiscountType: model.DiscountTypePercentage, DiscountValue: decimal.NewFromInt(101)},
			wantErr: model.ErrInvalidPercentage,
		},
		{
			name:    "Value is checked before max uses",
			req:     model.CreateCodeRequest{Code: "ZERO", DiscountType: model.DiscountTypePercentage, DiscountValue: decimal.Zero, MaxUses: intPtr(0)},
			wantErr: model.ErrInvalidPercentage,
		},
		{
			name:    "Zero max uses",
			req:     model.CreateCodeRequest{Code: "NOUSE", DiscountType: model.DiscountTypeFixed, DiscountValue: decimal.NewFromInt(5), MaxUses: intPtr(0)},
			wantErr: model.ErrInvalidMaxUses,
		},
		{
			name:    "Expiry in the past",
			req:     model.CreateCodeRequest{Code: "OLD", DiscountType: model.DiscountTypeFixed, DiscountValue: decimal.NewFromInt(5), ExpiresAt: timePtr(testNow.Add(-time.Second))},
			wantErr: model.ErrExpiryInPast,
		},
		{
			name:    "Unknown discount type",
			req:     model.CreateCodeRequest{Code: "BOGO", DiscountType: "bogo", DiscountValue: decimal.NewFromInt(5)},
			wantErr: model.ErrInvalidType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCodeServiceFixture()
			f.ownsProduct("seller-1", "P001", "40.00")

			if tt.existing != "" {
				_, err := f.service.Create(ctx, "seller-1", "P001", &model.CreateCodeRequest{
					Code:          tt.existing,
					DiscountType:  model.DiscountTypePercentage,
					DiscountValue: decimal.NewFromInt(10),
				})
				require.NoError(t, err)
			}

			req := tt.req
			code, err := f.service.Create(ctx, "seller-1", "P001", &req)

			assert.Nil(t, code)
			assert.Equal(t, tt.wantErr, err)
			assert.True(t, model.IsValidationError(err))
		})
	}

	t.Run("Not the product owner", func(t *testing.T) {
		f := newCodeServiceFixture()
		f.identity.On("IsOwner", mock.Anything, "seller-2", "P001").Return(false, nil)

		_, err := f.service.Create(ctx, "seller-2", "P001", &model.CreateCodeRequest{
			Code:          "SAVE10",
			DiscountType:  model.DiscountTypePercentage,
			DiscountValue: decimal.NewFromInt(10),
		})

		assert.Equal(t, model.ErrNotOwner, err)
		f.catalog.AssertNotCalled(t, "GetProductPrice", mock.Anything, mock.Anything)
	})

	t.Run("Unknown product", func(t *testing.T) {
		f := newCodeServiceFixture()
		f.identity.On("IsOwner", mock.Anything, "seller-1", "P404").Return(false, model.ErrProductNotFound)

		_, err := f.service.Create(ctx, "seller-1", "P404", &model.CreateCodeRequest{Code: "SAVE10"})
		assert.Equal(t, model.ErrProductNotFound, err)
	})

	t.Run("Anonymous caller", func(t *testing.T) {
		f := newCodeServiceFixture()
		_, err := f.service.Create(ctx, "", "P001", &model.CreateCodeRequest{Code: "SAVE10"})
		assert.Equal(t, model.ErrUnauthenticated, err)
	})

	t.Run("Storage failure is wrapped", func(t *testing.T) {
		f := newCodeServiceFixture()
		f.ownsProduct("seller-1", "P001", "40.00")
		f.repo.err = errors.New("connection refused")

		_, err := f.service.Create(ctx, "seller-1", "P001", &model.CreateCodeRequest{
			Code:          "SAVE10",
			DiscountType:  model.DiscountTypePercentage,
			DiscountValue: decimal.NewFromInt(10),
		})

		require.Error(t, err)
		assert.False(t, model.IsValidationError(err))
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func seedServiceCode(t *testing.T, f *codeServiceFixture, text string, maxUses *int) *model.DiscountCode {
	code, err := f.service.Create(context.Background(), "seller-1", "P001", &model.CreateCodeRequest{
		Code:          text,
		DiscountType:  model.DiscountTypePercentage,
		DiscountValue: decimal.NewFromInt(10),
		MaxUses:       maxUses,
	})
	require.NoError(t, err)
	return code
}

func TestCodeService_ToggleActive(t *testing.T) {
	ctx := context.Background()

	f := newCodeServiceFixture()
	f.ownsProduct("seller-1", "P001", "40.00")
	f.identity.On("IsOwner", mock.Anything, "seller-2", "P001").Return(false, nil)
	code := seedServiceCode(t, f, "FLIP", nil)

	toggled, err := f.service.ToggleActive(ctx, code.ID, "seller-1")
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	toggled, err = f.service.ToggleActive(ctx, code.ID, "seller-1")
	require.NoError(t, err)
	assert.True(t, toggled.IsActive)

	_, err = f.service.ToggleActive(ctx, code.ID, "seller-2")
	assert.Equal(t, model.ErrNotOwner, err)

	_, err = f.service.ToggleActive(ctx, uuid.New(), "seller-1")
	assert.Equal(t, model.ErrDiscountNotFound, err)
}

func TestCodeService_ToggleActive_ExpiredCode(t *testing.T) {
	ctx := context.Background()

	f := newCodeServiceFixture()
	f.identity.On("IsOwner", mock.Anything, "seller-1", "P001").Return(true, nil)

	expired := &model.DiscountCode{
		ID:            uuid.New(),
		ProductID:     "P001",
		Code:          "GONE",
		DiscountType:  model.DiscountTypePercentage,
		DiscountValue: decimal.NewFromInt(10),
		ExpiresAt:     timePtr(testNow.Add(-time.Hour)),
		IsActive:      false,
	}
	require.NoError(t, f.repo.Create(ctx, expired))

	toggled, err := f.service.ToggleActive(ctx, expired.ID, "seller-1")
	require.NoError(t, err)
	assert.True(t, toggled.IsActive)
}

func TestCodeService_Delete(t *testing.T) {
	ctx := context.Background()

	f := newCodeServiceFixture()
	f.ownsProduct("seller-1", "P001", "40.00")
	f.identity.On("IsOwner", mock.Anything, "seller-2", "P001").Return(false, nil)
	code := seedServiceCode(t, f, "BYE", intPtr(2))

	res, err := f.ledger.Reserve(ctx, code, testNow)
	require.NoError(t, err)

	assert.Equal(t, model.ErrNotOwner, f.service.Delete(ctx, code.ID, "seller-2"))

	require.NoError(t, f.service.Delete(ctx, code.ID, "seller-1"))

	assert.ErrorIs(t, f.ledger.Commit(ctx, res, testNow), model.ErrReservationNotFound)
	assert.Equal(t, model.ErrDiscountNotFound, f.service.Delete(ctx, code.ID, "seller-1"))
	assert.Equal(t, []model.EventType{model.EventDeleted}, f.events.types())

	// The text is free again, and the new code starts from zero.
	again := seedServiceCode(t, f, "bye", intPtr(2))
	assert.NotEqual(t, code.ID, again.ID)
	assert.Equal(t, 0, again.CurrentUses)
}

func TestCodeService_GetAndList(t *testing.T) {
	ctx := context.Background()

	f := newCodeServiceFixture()
	f.ownsProduct("seller-1", "P001", "40.00")
	f.identity.On("IsOwner", mock.Anything, "seller-2", "P001").Return(false, nil)
	code := seedServiceCode(t, f, "COUNTED", intPtr(3))

	res, err := f.ledger.Reserve(ctx, code, testNow)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Commit(ctx, res, testNow))
	_, err = f.ledger.Reserve(ctx, code, testNow)
	require.NoError(t, err)

	got, err := f.service.Get(ctx, code.ID, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUses)
	assert.Equal(t, 1, got.ReservedUses)

	codes, err := f.service.ListByProduct(ctx, "seller-1", "P001")
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 1, codes[0].CurrentUses)

	_, err = f.service.Get(ctx, code.ID, "seller-2")
	assert.Equal(t, model.ErrNotOwner, err)

	_, err = f.service.ListByProduct(ctx, "seller-2", "P001")
	assert.Equal(t, model.ErrNotOwner, err)
}
