package model

import (
	"errors"
	"strings"
)

// ErrorResponse represents a standardised error response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Standard error codes for API responses
const (
	ErrCodeInvalidJSON         = "INVALID_JSON"
	ErrCodeMissingField        = "MISSING_FIELD"
	ErrCodeInvalidParameter    = "INVALID_PARAMETER"
	ErrCodeProductNotFound     = "PRODUCT_NOT_FOUND"
	ErrCodeDiscountNotFound    = "DISCOUNT_CODE_NOT_FOUND"
	ErrCodeNotOwner            = "NOT_OWNER"
	ErrCodeExhausted           = "DISCOUNT_CODE_EXHAUSTED"
	ErrCodeReservationExpired  = "RESERVATION_EXPIRED"
	ErrCodeReservationNotFound = "RESERVATION_NOT_FOUND"
	ErrCodeUnauthorised        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInternalError       = "INTERNAL_ERROR"

	// Validation codes share the prefix so callers can detect them as a family.
	ErrCodeValidationFormat    = "VALIDATION_CODE_FORMAT"
	ErrCodeValidationDuplicate = "VALIDATION_DUPLICATE_CODE"
	ErrCodeValidationType      = "VALIDATION_DISCOUNT_TYPE"
	ErrCodeValidationPercent   = "VALIDATION_PERCENTAGE_VALUE"
	ErrCodeValidationFixed     = "VALIDATION_FIXED_VALUE"
	ErrCodeValidationMaxUses   = "VALIDATION_MAX_USES"
	ErrCodeValidationExpiry    = "VALIDATION_EXPIRES_AT"
)

const validationPrefix = "VALIDATION_"

// Domain errors for business logic
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a caller-correctable creation error.
func NewValidationError(code, message string) *DomainError {
	if !strings.HasPrefix(code, validationPrefix) {
		code = validationPrefix + code
	}
	return NewDomainError(code, message)
}

// IsValidationError reports whether err is a creation-time validation failure.
func IsValidationError(err error) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return strings.HasPrefix(de.Code, validationPrefix)
}

// Common domain errors
var (
	ErrProductNotFound     = NewDomainError(ErrCodeProductNotFound, "Product not found")
	ErrDiscountNotFound    = NewDomainError(ErrCodeDiscountNotFound, "Discount code not found")
	ErrNotOwner            = NewDomainError(ErrCodeNotOwner, "Only the product owner may manage its discount codes")
	ErrUnauthenticated     = NewDomainError(ErrCodeUnauthorised, "A user identity is required")
	ErrDiscountExhausted   = NewDomainError(ErrCodeExhausted, "Discount code has no remaining uses")
	ErrReservationExpired  = NewDomainError(ErrCodeReservationExpired, "Reservation is no longer valid, redeem the code again")
	ErrReservationNotFound = NewDomainError(ErrCodeReservationNotFound, "Reservation not found")

	ErrInvalidCodeFormat = NewValidationError(ErrCodeValidationFormat, "Code must be 1-20 letters or digits")
	ErrDuplicateCode     = NewValidationError(ErrCodeValidationDuplicate, "Code already exists for this product")
	ErrInvalidType       = NewValidationError(ErrCodeValidationType, "Discount type must be percentage or fixed")
	ErrInvalidPercentage = NewValidationError(ErrCodeValidationPercent, "Percentage discount must be between 1 and 100 with at most 2 decimal places")
	ErrInvalidFixed      = NewValidationError(ErrCodeValidationFixed, "Fixed discount must be a whole-cent amount above 0 and no more than the product price")
	ErrInvalidMaxUses    = NewValidationError(ErrCodeValidationMaxUses, "Max uses must be a positive number")
	ErrExpiryInPast      = NewValidationError(ErrCodeValidationExpiry, "Expiration must not be in the past")
)
