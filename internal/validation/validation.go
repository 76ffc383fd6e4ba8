// Package validation provides request validation helpers for the payments API.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hireloop/payments/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB). Webhook bodies
// are read raw, so this also bounds what is signature-checked.
const MaxRequestSize = 1 << 20

// MaxReasonLength bounds free-text fields such as refund reasons.
const MaxReasonLength = 500

// ErrInvalid matches every ValidationErrors value via errors.Is.
var ErrInvalid = errors.New("validation failed")

var (
	ifscRegex    = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
	upiRegex     = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{2,256}@[a-zA-Z]{2,64}$`)
	accountRegex = regexp.MustCompile(`^[0-9]{9,18}$`)
	hexRegex     = regexp.MustCompile(`^[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError is a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of field failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Is makes errors.Is(err, ErrInvalid) true for any ValidationErrors.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalid
}

// Validate runs validators and returns nil when all pass.
func Validate(validators ...func() *ValidationError) error {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Fail builds a single-field validation error.
func Fail(field, message string) error {
	return ValidationErrors{{Field: field, Message: message}}
}

// Details extracts field failures from err, if any.
func Details(err error) []ValidationError {
	var errs ValidationErrors
	if errors.As(err, &errs) {
		return errs
	}
	return nil
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// PositiveAmount checks that value parses as an amount greater than zero.
func PositiveAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		d, ok := money.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !money.Positive(d) {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// Hex checks that a non-empty value is hex encoded.
func Hex(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !hexRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be hex encoded"}
		}
		return nil
	}
}

// IsValidIFSC checks an Indian bank branch code.
func IsValidIFSC(s string) bool { return ifscRegex.MatchString(s) }

// IsValidUPI checks a UPI virtual payment address.
func IsValidUPI(s string) bool { return upiRegex.MatchString(s) }

// IsValidAccountNumber checks a bank account number.
func IsValidAccountNumber(s string) bool { return accountRegex.MatchString(s) }

// SanitizeString trims whitespace, drops null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
