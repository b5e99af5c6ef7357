package server

import (
	"errors"
	"net/http"

	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	"github.com/campuspay/fulfillment/internal/gateway"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	txdomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"github.com/gin-gonic/gin"
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
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// ErrorHandlingMiddleware renders the last gin error as JSON after the
// handler chain finishes. Domain errors map to statuses in one place.
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
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, txdomain.ErrValidation),
		errors.Is(err, txdomain.ErrUnknownPlan),
		errors.Is(err, creditdomain.ErrInvalidUID):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, txdomain.ErrNotFound),
		errors.Is(err, outboxdomain.ErrDeadLetterNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, txdomain.ErrDuplicateCode):
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_code",
			Message: "confirmation code already redeemed",
		}
	case errors.Is(err, txdomain.ErrInvalidTransition),
		errors.Is(err, txdomain.ErrInvalidState):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_state",
			Message: "transaction is not in a state that allows this operation",
		}
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return http.StatusConflict, errorPayload{
			Type:    "insufficient_credits",
			Message: "no credits remaining",
		}
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_error",
			Message: "payment gateway rejected the request",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
