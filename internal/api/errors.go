package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func errorBody(code, message string) errorResponse {
	return errorResponse{Error: errorDetail{Code: code, Message: message}}
}

// statusFor maps a marketplace error kind to its HTTP status and stable code.
func statusFor(err error) (int, string) {
	switch marketplace.Kind(err) {
	case marketplace.ErrValidation:
		return http.StatusBadRequest, "validation"
	case marketplace.ErrInsufficientFunds:
		return http.StatusPaymentRequired, "insufficient_funds"
	case marketplace.ErrNotAuthorized:
		return http.StatusForbidden, "not_authorized"
	case marketplace.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case marketplace.ErrInvalidState:
		return http.StatusConflict, "invalid_state"
	case marketplace.ErrConcurrencyConflict:
		return http.StatusConflict, "concurrency_conflict"
	default:
		return http.StatusInternalServerError, "persistence"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		message = "internal error"
	}

	c.AbortWithStatusJSON(status, errorBody(code, message))
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("validation", err.Error()))
}
