package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalogue listing that discount codes attach to.
type Product struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Category  string          `json:"category" db:"category"`
	OwnerID   string          `json:"ownerId" db:"owner_id"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`

	// ActiveCodes counts the product's codes a buyer could redeem right now.
	ActiveCodes int `json:"activeCodes" db:"-"`
}
