// Package validation provides request validation helpers shared by the
// HTTP handlers.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	// E.164: "+" then 8 to 15 digits
	phoneRegex = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// IsValidCurrency checks for a three-letter upper-case code.
func IsValidCurrency(s string) bool {
	return currencyRegex.MatchString(s)
}

// NormalizePhone strips spaces, dashes and parentheses.
func NormalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// IsValidPhone checks an E.164 phone number.
func IsValidPhone(s string) bool {
	return phoneRegex.MatchString(s)
}

// SanitizeString trims whitespace, limits length and removes null bytes
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
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

// Validate runs validators and collects their failures
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

// MaxLength checks a field's length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
		}
		return nil
	}
}

// Currency checks a field holds a valid currency code
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter currency code"}
		}
		return nil
	}
}

// Phone checks a field holds an E.164 phone number
func Phone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidPhone(value) {
			return &ValidationError{Field: field, Message: "must be an E.164 phone number"}
		}
		return nil
	}
}

// MaxCents bounds any single amount in minor units (ten trillion major
// units). Balances built from bounded amounts stay far from int64 overflow.
const MaxCents int64 = 1_000_000_000_000_000

// PositiveCents checks an amount in minor units
func PositiveCents(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if value > MaxCents {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must not exceed %d", MaxCents)}
		}
		return nil
	}
}
