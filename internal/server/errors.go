package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	dimdomain "github.com/stfc-cloud/carbonledger/internal/dimension/domain"
	factdomain "github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
	wsdomain "github.com/stfc-cloud/carbonledger/internal/workspace/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, wsdomain.ErrWorkspaceNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, factdomain.ErrInvalidScope),
		errors.Is(err, factdomain.ErrScopeKeyMismatch),
		errors.Is(err, factdomain.ErrInvalidTimestamp),
		errors.Is(err, dimdomain.ErrInvalidKind),
		errors.Is(err, dimdomain.ErrEmptyName),
		errors.Is(err, wsdomain.ErrEmptyHostname):
		return true
	default:
		return false
	}
}
