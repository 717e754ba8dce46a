package service

import (
	"context"
	"time"

	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductService defines operations for browsing the product catalogue.
type ProductService interface {
	// GetAll retrieves all products with pagination.
	GetAll(ctx context.Context, limit, offset int) ([]model.Product, error)

	// GetByID retrieves a single product by ID.
	GetByID(ctx context.Context, id string) (*model.Product, error)
}

// CodeService manages the lifecycle of discount codes on behalf of sellers.
type CodeService interface {
	// Create validates and stores a new active code for a product the owner sells.
	// Validation runs in order: format, uniqueness, value bounds, max uses, expiry.
	Create(ctx context.Context, ownerID, productID string, req *model.CreateCodeRequest) (*model.DiscountCode, error)

	// Get returns a code with its authoritative usage counters.
	Get(ctx context.Context, codeID uuid.UUID, ownerID string) (*model.DiscountCode, error)

	// ListByProduct returns every code of a product the owner sells.
	ListByProduct(ctx context.Context, ownerID, productID string) ([]model.DiscountCode, error)

	// ToggleActive flips the active flag regardless of expiry or exhaustion.
	ToggleActive(ctx context.Context, codeID uuid.UUID, ownerID string) (*model.DiscountCode, error)

	// Delete removes a code and fails its pending reservations.
	Delete(ctx context.Context, codeID uuid.UUID, ownerID string) error
}

// RedemptionService reserves, commits and releases uses of discount codes at checkout.
type RedemptionService interface {
	// AttemptRedeem checks a code and holds one use of it. Ineligible codes are
	// reported in the outcome; the error is reserved for infrastructure failures.
	AttemptRedeem(ctx context.Context, codeText, productID string, productPrice decimal.Decimal, now time.Time) (*model.RedemptionOutcome, error)

	// Redeem is AttemptRedeem with the product price read from the catalogue.
	Redeem(ctx context.Context, req *model.RedeemRequest) (*model.RedemptionOutcome, error)

	// FinalizeRedeem commits the reservation when checkout succeeded and releases it otherwise.
	// model.ErrReservationExpired and model.ErrReservationNotFound mean the
	// discount no longer applies and the code must be redeemed again.
	FinalizeRedeem(ctx context.Context, reservation *model.Reservation, succeeded bool) error

	// Preview computes the discounted price of a product without reserving a use.
	Preview(ctx context.Context, codeText, productID string) (*model.PricePreview, error)
}

// Catalog provides product prices.
type Catalog interface {
	GetProductPrice(ctx context.Context, productID string) (decimal.Decimal, error)
}

// Identity resolves the acting user and product ownership.
type Identity interface {
	// CurrentUserID returns the user of the request, or model.ErrUnauthenticated.
	CurrentUserID(ctx context.Context) (string, error)

	// IsOwner reports whether userID sells productID.
	// Returns model.ErrProductNotFound when the product does not exist.
	IsOwner(ctx context.Context, userID, productID string) (bool, error)
}

// EventPublisher emits redemption lifecycle events. Publishing never fails the caller.
type EventPublisher interface {
	Publish(ctx context.Context, event model.RedemptionEvent)
}

// Recorder counts lifecycle and redemption results.
type Recorder interface {
	RecordOutcome(status model.OutcomeStatus)
	RecordFinalize(result string)
	RecordLifecycle(operation string)
}

// Finalize results passed to Recorder.RecordFinalize.
const (
	FinalizeCommitted = "committed"
	FinalizeReleased  = "released"
	FinalizeExpired   = "expired"
	FinalizeNotFound  = "not_found"
	FinalizeError     = "error"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.RedemptionEvent) {}

type nopRecorder struct{}

func (nopRecorder) RecordOutcome(model.OutcomeStatus) {}
func (nopRecorder) RecordFinalize(string)             {}
func (nopRecorder) RecordLifecycle(string)            {}

// Option configures optional collaborators of the services.
type Option func(*options)

type options struct {
	publisher EventPublisher
	recorder  Recorder
	now       func() time.Time
}

func defaultOptions() options {
	return options{
		publisher: nopPublisher{},
		recorder:  nopRecorder{},
		now:       time.Now,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPublisher sets the event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newEvent(typ model.EventType, codeID uuid.UUID, productID string, now time.Time) model.RedemptionEvent {
	return model.RedemptionEvent{
		ID:         uuid.New(),
		Type:       typ,
		CodeID:     codeID,
		ProductID:  productID,
		Count:      1,
		OccurredAt: now,
	}
}
