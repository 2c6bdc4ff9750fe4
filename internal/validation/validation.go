// Package validation checks request fields before they reach the payment
// services.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIdempotencyKeyLength matches the payment_reservations.idempotency_key column.
const MaxIdempotencyKeyLength = 255

// MaxItemsPerReservation bounds a single cart.
const MaxItemsPerReservation = 100

// DateLayout is the calendar-day format used by the reconciliation API.
const DateLayout = "2006-01-02"

// identifierRegex matches payer, item and seller identifiers.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier reports whether s is usable as a payer, item or seller id.
func IsValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures. It returns nil
// when all pass.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IdempotencyKey requires a non-blank key of printable characters.
func IdempotencyKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if len(value) > MaxIdempotencyKeyLength {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		for _, r := range value {
			if r < 0x20 || r == 0x7f {
				return &ValidationError{Field: field, Message: "contains control characters"}
			}
		}
		return nil
	}
}

// Identifier checks a payer, item or seller id. Empty values pass; combine
// with Required.
func Identifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidIdentifier(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '.', '_', ':' or '-'"}
		}
		return nil
	}
}

// Identifiers requires a non-empty list of valid ids.
func Identifiers(field string, values []string) func() *ValidationError {
	return func() *ValidationError {
		if len(values) == 0 {
			return &ValidationError{Field: field, Message: "must contain at least one entry"}
		}
		if len(values) > MaxItemsPerReservation {
			return &ValidationError{Field: field, Message: "too many entries"}
		}
		for _, v := range values {
			if !IsValidIdentifier(v) {
				return &ValidationError{Field: field, Message: "contains an invalid id: " + v}
			}
		}
		return nil
	}
}

// PositiveAmount checks an INR amount: greater than zero with at most two
// decimal places.
func PositiveAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if !value.Equal(value.Round(2)) {
			return &ValidationError{Field: field, Message: "must have at most two decimal places"}
		}
		return nil
	}
}

// ParseAmount parses a decimal string amount and validates it as PositiveAmount.
func ParseAmount(field, value string) (decimal.Decimal, *ValidationError) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Message: "invalid amount format"}
	}
	if verr := PositiveAmount(field, d)(); verr != nil {
		return decimal.Zero, verr
	}
	return d, nil
}

// ParseDate parses a YYYY-MM-DD calendar day in loc.
func ParseDate(field, value string, loc *time.Location) (time.Time, *ValidationError) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(value), loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: "must be a date formatted YYYY-MM-DD"}
	}
	return d, nil
}

// UUIDParamMiddleware rejects requests whose :param path segment is not a UUID.
func UUIDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(param); v != "" {
			if _, err := uuid.Parse(v); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": param + " must be a UUID",
				})
				return
			}
		}
		c.Next()
	}
}
