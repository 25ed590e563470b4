package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"habit-chat/internal/repository"
	"habit-chat/internal/service"
)

// statusFor traduce errores del nucleo a codigos HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrMessageNotRetryable):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoCharacterAvailable):
		return http.StatusConflict
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *zap.Logger, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
	} else {
		logger.Warn(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}
