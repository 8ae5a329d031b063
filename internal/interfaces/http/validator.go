package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// Input limits
const (
	MaxRequestBytes = 10 << 20
	MaxSearchLength = 120
	MaxPageSize     = 500
)

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity
	case errors.Is(err, entities.ErrNotFound), errors.Is(err, entities.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, entities.ErrOperationInProgress), errors.Is(err, entities.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, entities.ErrInvalidCredentials), errors.Is(err, entities.ErrSessionRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, entities.ErrForbidden), errors.Is(err, entities.ErrSubscriptionInactive):
		return http.StatusForbidden
	case errors.Is(err, entities.ErrInvalidFlow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, entities.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": ...}, with per-field details for
// validation failures. Internal errors are logged and not echoed.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		c.JSON(status, gin.H{"error": "Validation failed", "fields": verrs})
		return
	}
	if status == http.StatusInternalServerError {
		logger.Print(c).Errorf("internal error: %v", err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// ValidID checks a path id is a UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// idParam returns the named UUID path parameter or writes a 400.
func idParam(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if !ValidID(id) {
		badRequest(c, "Invalid "+name)
		return "", false
	}
	return id, true
}

// SanitizeString removes null bytes and invalid UTF-8
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.TrimSpace(s)
}

// TruncateString safely truncates a string to max runes
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
