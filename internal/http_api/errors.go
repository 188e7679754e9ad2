package http_api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blockspeak/orchestrator/internal/deploy"
	"github.com/blockspeak/orchestrator/internal/models"
)

// statusFor maps an error kind to its HTTP status and the message shown to
// the client. Internal errors are not echoed.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrOutcomeUnknown):
		return http.StatusAccepted, "Transaction submitted but not confirmed yet"
	case errors.Is(err, models.ErrAuthInvalid):
		return http.StatusUnauthorized, "Authentication failed"
	case errors.Is(err, models.ErrSubscriptionRequired):
		return http.StatusPaymentRequired, "A paid subscription is required"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrDuplicatePayment):
		return http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrStateConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrPaymentUnverified):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, models.ErrChainRejected),
		errors.Is(err, models.ErrInvalidPlan),
		errors.Is(err, deploy.ErrUnsupportedRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrRailUnavailable):
		return http.StatusServiceUnavailable, "Payment method unavailable"
	case errors.Is(err, models.ErrChainTransient):
		return http.StatusServiceUnavailable, "Blockchain temporarily unavailable, try again"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func errorBody(err error) gin.H {
	status, message := statusFor(err)
	body := gin.H{"success": false, "error": message}

	var txErr *models.TxError
	if errors.As(err, &txErr) && txErr.TxHash != "" {
		body["tx_hash"] = txErr.TxHash
	}
	if status == http.StatusAccepted {
		body["status"] = "unknown"
	}
	return body
}

func (s *HTTPServer) writeError(c *gin.Context, err error) {
	status, _ := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "route", c.FullPath(), "error", err)
	} else {
		s.logger.Debug("Request rejected", "route", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, errorBody(err))
}

func abortWithError(c *gin.Context, err error) {
	status, _ := statusFor(err)
	c.AbortWithStatusJSON(status, errorBody(err))
}
