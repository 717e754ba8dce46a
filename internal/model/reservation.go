package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationStatus is the state of a single held use of a code.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a held use of a discount code awaiting commit or release.
type Reservation struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	CodeID    uuid.UUID         `json:"codeId" db:"code_id"`
	Status    ReservationStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time         `json:"expiresAt" db:"expires_at"`
}

// Expired reports whether the reservation's hold has lapsed at now.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// OutcomeStatus is the result of a redemption attempt as seen by checkout.
type OutcomeStatus string

const (
	OutcomeReserved  OutcomeStatus = "reserved"
	OutcomeNotFound  OutcomeStatus = "not_found"
	OutcomeExpired   OutcomeStatus = "expired"
	OutcomeInactive  OutcomeStatus = "inactive"
	OutcomeExhausted OutcomeStatus = "exhausted"

	// OutcomeEligible is only reported by price previews, which never reserve.
	OutcomeEligible OutcomeStatus = "eligible"
)

// RedemptionOutcome is returned by an attempt to redeem a code.
// Reservation and the amounts are only set when Status is OutcomeReserved.
type RedemptionOutcome struct {
	Status         OutcomeStatus    `json:"status"`
	Reservation    *Reservation     `json:"reservation,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discountAmount,omitempty"`
	FinalPrice     *decimal.Decimal `json:"finalPrice,omitempty"`
}

// Reserved reports whether the attempt holds a use of the code.
func (o *RedemptionOutcome) Reserved() bool {
	return o != nil && o.Status == OutcomeReserved
}

// RedeemRequest is the checkout input for a redemption attempt.
type RedeemRequest struct {
	Code      string `json:"code"`
	ProductID string `json:"productId"`
}

// FinalizeRequest reports the checkout result for a reservation.
type FinalizeRequest struct {
	CodeID    uuid.UUID `json:"codeId"`
	Succeeded bool      `json:"succeeded"`
}

// PricePreview shows the effect of a code on a product price without reserving it.
type PricePreview struct {
	Code           string          `json:"code"`
	ProductID      string          `json:"productId"`
	Status         OutcomeStatus   `json:"status"`
	Price          decimal.Decimal `json:"price"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FinalPrice     decimal.Decimal `json:"finalPrice"`
}

// EventType names a redemption lifecycle transition.
type EventType string

const (
	EventReserved  EventType = "reserved"
	EventCommitted EventType = "committed"
	EventReleased  EventType = "released"
	EventReclaimed EventType = "reclaimed"
	EventDeleted   EventType = "code_deleted"
)

// RedemptionEvent is published for every ledger transition of a code.
type RedemptionEvent struct {
	ID            uuid.UUID  `json:"id"`
	Type          EventType  `json:"type"`
	CodeID        uuid.UUID  `json:"codeId"`
	ReservationID *uuid.UUID `json:"reservationId,omitempty"`
	ProductID     string     `json:"productId,omitempty"`
	Count         int        `json:"count,omitempty"`
	OccurredAt    time.Time  `json:"occurredAt"`
}
