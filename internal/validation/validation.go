// Package validation provides input validation helpers and middleware for
// the releasegate API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields such as
// dispute and override reasons.
const MaxStringLength = 2000

var (
	// paymentRefRegex matches the opaque reference a payer declares with
	// an off-ledger payment.
	paymentRefRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]{4,64}$`)
	// idRegex matches bill and user identifiers.
	idRegex = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
	// hexRegex validates hex strings (for signatures, etc)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// IsValidPaymentRef checks a payment correlation reference.
func IsValidPaymentRef(ref string) bool {
	return paymentRefRegex.MatchString(ref)
}

// IsValidID checks a bill or user identifier.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidPaymentRef checks a payment reference field.
func ValidPaymentRef(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidPaymentRef(value) {
			return &ValidationError{Field: field, Message: "must be 4-64 characters of letters, digits, '.', '_', ':' or '-'"}
		}
		return nil
	}
}

// ValidSignature checks a hex-encoded 65-byte signature.
func ValidSignature(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHex(value) || len(strings.TrimPrefix(value, "0x")) != 130 {
			return &ValidationError{Field: field, Message: "must be a 65-byte hex signature"}
		}
		return nil
	}
}

// Positive checks that a decimal amount is greater than zero.
func Positive(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
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

// IDParamMiddleware rejects malformed :id URL parameters early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-128 characters of letters, digits, '.', '_', ':', '@' or '-'",
			})
			return
		}
		c.Next()
	}
}
