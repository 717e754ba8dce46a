package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscountType is the kind of value a discount code carries.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountTypePercentage, DiscountTypeFixed:
		return true
	}
	return false
}

// DiscountCode is a promotional code attached to a single product.
type DiscountCode struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	ProductID     string          `json:"productId" db:"product_id"`
	Code          string          `json:"code" db:"code"`
	DiscountType  DiscountType    `json:"discountType" db:"discount_type"`
	DiscountValue decimal.Decimal `json:"discountValue" db:"discount_value"`
	MaxUses       *int            `json:"maxUses,omitempty" db:"max_uses"`
	CurrentUses   int             `json:"currentUses" db:"current_uses"`
	ReservedUses  int             `json:"reservedUses" db:"reserved_uses"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty" db:"expires_at"`
	IsActive      bool            `json:"isActive" db:"is_active"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
	CreatedBy     string          `json:"createdBy" db:"created_by"`
}

// Remaining returns the number of unclaimed uses, or -1 when the code is unlimited.
func (c *DiscountCode) Remaining() int {
	if c.MaxUses == nil {
		return -1
	}
	left := *c.MaxUses - c.CurrentUses - c.ReservedUses
	if left < 0 {
		return 0
	}
	return left
}

// NormalizeCode returns the case-insensitive lookup form of a code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Usage is the authoritative counter state of a code as held by a ledger.
type Usage struct {
	CurrentUses  int `json:"currentUses"`
	ReservedUses int `json:"reservedUses"`
}

// CreateCodeRequest is the seller input for a new discount code.
type CreateCodeRequest struct {
	Code          string          `json:"code" yaml:"code"`
	DiscountType  DiscountType    `json:"discountType" yaml:"discountType"`
	DiscountValue decimal.Decimal `json:"discountValue" yaml:"discountValue"`
	MaxUses       *int            `json:"maxUses,omitempty" yaml:"maxUses,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
}
