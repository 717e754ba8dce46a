package repository

import (
	"context"
	"time"

	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductRepository defines the interface for product catalogue access.
type ProductRepository interface {
	// GetAll retrieves all products with pagination support.
	GetAll(ctx context.Context, limit, offset int) ([]model.Product, error)

	// GetByID retrieves a single product by its ID.
	// Returns nil without error when the product does not exist.
	GetByID(ctx context.Context, id string) (*model.Product, error)

	// GetProductPrice returns the current price of a product.
	// Returns model.ErrProductNotFound when the product does not exist.
	GetProductPrice(ctx context.Context, id string) (decimal.Decimal, error)

	// GetOwnerID returns the seller that owns a product.
	// Returns model.ErrProductNotFound when the product does not exist.
	GetOwnerID(ctx context.Context, id string) (string, error)
}

// CodeRepository defines the interface for discount code persistence.
// It never writes the usage counters; those belong to the ledger.
type CodeRepository interface {
	// Create inserts a new discount code.
	// Returns model.ErrDuplicateCode when the product already has the code.
	Create(ctx context.Context, code *model.DiscountCode) error

	// GetByID retrieves a discount code by its ID.
	// Returns nil without error when the code does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*model.DiscountCode, error)

	// GetByProductAndCode retrieves a product's discount code by its text, ignoring case.
	// Returns nil without error when the code does not exist.
	GetByProductAndCode(ctx context.Context, productID, code string) (*model.DiscountCode, error)

	// ListByProduct retrieves all discount codes of a product, newest first.
	ListByProduct(ctx context.Context, productID string) ([]model.DiscountCode, error)

	// ToggleActive flips the active flag and returns the new value.
	// Returns model.ErrDiscountNotFound when the code does not exist.
	ToggleActive(ctx context.Context, id uuid.UUID) (bool, error)

	// Delete removes a discount code and its reservations.
	// Returns model.ErrDiscountNotFound when the code does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// AddCommitted adds delta to the committed uses of a code. Ledgers that
	// keep counters outside this table record their commits through it.
	// Returns model.ErrDiscountNotFound when the code does not exist.
	AddCommitted(ctx context.Context, id uuid.UUID, delta int) error

	// CountActive returns, per product, how many codes are active and unexpired at now.
	// Products without such codes are absent from the result.
	CountActive(ctx context.Context, productIDs []string, now time.Time) (map[string]int, error)
}
