// Package validation provides input validation for the payguard API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxAmount is the largest single-transaction coin amount accepted anywhere.
const MaxAmount int64 = 10_000_000

var (
	// userIDRegex validates platform user identifiers
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// currencyRegex validates ISO 4217 currency codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Known payment methods accepted by the platform.
var validMethods = map[string]bool{
	"wallet": true,
	"card":   true,
	"esewa":  true,
	"khalti": true,
	"stripe": true,
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string is a well-formed user identifier
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// IsValidCurrency checks if a string is a three-letter currency code
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidMethod checks if a payment method is one the platform accepts
func IsValidMethod(method string) bool {
	return validMethods[method]
}

// IsValidAmount checks that a coin amount is positive and within bounds
func IsValidAmount(amount int64) bool {
	return amount > 0 && amount <= MaxAmount
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// UserParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include user-id params to reject malformed ids early.
func UserParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be 1-64 characters of [A-Za-z0-9_-]",
			})
			return
		}
		c.Next()
	}
}
