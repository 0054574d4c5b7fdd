// Package validation provides input validation for the payment API.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxAmount caps a single payment, in whole units.
const MaxAmount = 1_000_000_000

var (
	// msisdnRegex matches an international mobile number without the plus:
	// country code then subscriber number, 9 to 15 digits in total.
	msisdnRegex = regexp.MustCompile(`^[1-9][0-9]{8,14}$`)
	// idRegex matches the ids accepted in URL params.
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

	ErrInvalidAmount = errors.New("invalid amount")
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizePhone strips spaces, dashes and a leading "+" or "00".
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(phone)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "00") {
		phone = phone[2:]
	}
	return phone
}

// IsValidPhone checks a normalized MSISDN.
func IsValidPhone(phone string) bool {
	return msisdnRegex.MatchString(phone)
}

// IsValidID checks an id taken from a URL param.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// ParseWholeUnits parses a decimal amount and rounds it half away from zero
// to the nearest whole unit. The result must be positive and at most
// MaxAmount.
func ParseWholeUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, ErrInvalidAmount
	}
	d = d.Round(0)
	if !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(MaxAmount)) {
		return 0, ErrInvalidAmount
	}
	return d.IntPart(), nil
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :id URL params early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}
