package server

import (
	"errors"
	"net/http"
	"strings"

	obslogger "github.com/campuspay/fulfillment/internal/observability/logger"
	txdomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type stkAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// MpesaWebhook receives the asynchronous STK push outcome. The provider
// retries on non-200, so every well-formed callback is acknowledged:
// replays and callbacks for unknown or already-settled transactions are
// logged and acked rather than surfaced as errors.
func (s *Server) MpesaWebhook(c *gin.Context) {
	var envelope stkCallbackEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	callback := envelope.Body.StkCallback
	id := strings.TrimSpace(callback.CheckoutRequestID)
	if id == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	outcome := txdomain.OutcomeFailure
	if callback.ResultCode == 0 {
		outcome = txdomain.OutcomeSuccess
	}

	log := obslogger.FromContext(c.Request.Context()).Named("server.webhook")

	_, err := s.txSvc.ApplyWebhook(c.Request.Context(), id, outcome)
	switch {
	case err == nil:
	case errors.Is(err, txdomain.ErrNotFound):
		log.Warn("webhook for unknown transaction", zap.String("checkout_request_id", id))
	case errors.Is(err, txdomain.ErrInvalidTransition):
		log.Warn("webhook replay on settled transaction", zap.String("checkout_request_id", id))
	default:
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stkAck{ResultCode: 0, ResultDesc: "Accepted"})
}
