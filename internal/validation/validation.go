// Package validation provides request validation helpers for the gateway API.
package validation

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxUserIDLength bounds the user identifier supplied by the identity layer.
const MaxUserIDLength = 128

// MaxPromptLength bounds the prompt text in bytes.
const MaxPromptLength = 32 << 10

// List limits for read endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// ErrInvalidLimit is returned by ParseLimit for non-numeric or non-positive values.
var ErrInvalidLimit = errors.New("limit must be a positive integer")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID reports whether id is non-blank, within length and free of
// control characters.
func IsValidUserID(id string) bool {
	if strings.TrimSpace(id) == "" || len(id) > MaxUserIDLength || !utf8.ValidString(id) {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// SanitizeString trims whitespace, removes null bytes and limits length
// without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
		for len(s) > 0 && !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	return s
}

// ParseLimit reads the "limit" query parameter. A missing value yields
// DefaultLimit; values above MaxLimit are capped.
func ParseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ErrInvalidLimit
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	return n, nil
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

// Validate runs validators and collects their failures.
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

// UserIDParamMiddleware rejects malformed :userId URL parameters early.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("userId"); id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "userId must be 1-128 printable characters",
			})
			return
		}
		c.Next()
	}
}
