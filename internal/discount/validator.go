package discount

import (
	"time"

	"discount-engine/internal/model"

	"github.com/shopspring/decimal"
)

const (
	// MaxCodeLength is the longest code a seller may define.
	MaxCodeLength = 20

	// moneyPlaces is the number of decimal places amounts are rounded to.
	moneyPlaces = 2
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Eligibility is the result of a fast-path eligibility check.
type Eligibility int

const (
	Eligible Eligibility = iota
	IneligibleExpired
	IneligibleInactive
	IneligibleExhausted
)

// Outcome maps an eligibility result to the redemption outcome checkout sees.
func (e Eligibility) Outcome() model.OutcomeStatus {
	switch e {
	case IneligibleExpired:
		return model.OutcomeExpired
	case IneligibleInactive:
		return model.OutcomeInactive
	case IneligibleExhausted:
		return model.OutcomeExhausted
	default:
		return model.OutcomeReserved
	}
}

func (e Eligibility) String() string {
	switch e {
	case Eligible:
		return "eligible"
	case IneligibleExpired:
		return "expired"
	case IneligibleInactive:
		return "inactive"
	case IneligibleExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// CheckEligibility reports whether code may be redeemed at now.
// It reads counters without locking, so two callers can both see the last
// slot as available. The ledger is the authority on capacity.
func CheckEligibility(code *model.DiscountCode, now time.Time) Eligibility {
	if code.ExpiresAt != nil && !now.Before(*code.ExpiresAt) {
		return IneligibleExpired
	}

	if !code.IsActive {
		return IneligibleInactive
	}

	if code.MaxUses != nil && code.CurrentUses+code.ReservedUses >= *code.MaxUses {
		return IneligibleExhausted
	}

	return Eligible
}

// ComputeDiscount returns the amount code takes off price.
// The result is always within [0, price].
func ComputeDiscount(code *model.DiscountCode, price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch code.DiscountType {
	case model.DiscountTypePercentage:
		amount = price.Mul(code.DiscountValue).Div(hundred).Round(moneyPlaces)
	case model.DiscountTypeFixed:
		amount = decimal.Min(code.DiscountValue, price)
	default:
		return decimal.Zero
	}

	if amount.Sign() < 0 {
		return decimal.Zero
	}
	if amount.GreaterThan(price) {
		return price
	}
	return amount
}

// FinalPrice returns price less the discount of code.
func FinalPrice(code *model.DiscountCode, price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	return price.Sub(ComputeDiscount(code, price))
}

// ValidateFormat checks the code text is 1-20 ASCII letters or digits.
func ValidateFormat(code string) error {
	if len(code) == 0 || len(code) > MaxCodeLength {
		return model.ErrInvalidCodeFormat
	}
	for _, r := range code {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if !isLetter && !isDigit {
			return model.ErrInvalidCodeFormat
		}
	}
	return nil
}

// ValidateTerms checks the value bounds, usage cap and expiry of a new code
// in that order. Uniqueness is checked by the caller before this runs.
func ValidateTerms(req *model.CreateCodeRequest, productPrice decimal.Decimal, now time.Time) error {
	switch req.DiscountType {
	case model.DiscountTypePercentage:
		if req.DiscountValue.LessThan(one) || req.DiscountValue.GreaterThan(hundred) || !storable(req.DiscountValue) {
			return model.ErrInvalidPercentage
		}
	case model.DiscountTypeFixed:
		if req.DiscountValue.Sign() <= 0 || req.DiscountValue.GreaterThan(productPrice) || !storable(req.DiscountValue) {
			return model.ErrInvalidFixed
		}
	default:
		return model.ErrInvalidType
	}

	if req.MaxUses != nil && *req.MaxUses <= 0 {
		return model.ErrInvalidMaxUses
	}

	if req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
		return model.ErrExpiryInPast
	}

	return nil
}

// storable reports whether v fits the two decimal places the code table keeps.
func storable(v decimal.Decimal) bool {
	return v.Equal(v.Round(moneyPlaces))
}
