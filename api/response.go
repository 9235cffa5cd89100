package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pi-docket/ConvertX-CN/models"
	"github.com/pi-docket/ConvertX-CN/worker"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message, Details: details},
	})
}

// failErr maps domain errors to HTTP responses.
func failErr(c *gin.Context, err error) {
	var (
		verr *models.ValidationError
		berr *models.BackendError
		serr *models.StorageError
	)
	switch {
	case errors.As(err, &verr):
		fail(c, http.StatusBadRequest, "INVALID_CONVERSION", verr.Reason, gin.H{"suggestions": verr.Suggestions})
	case errors.Is(err, models.ErrJobNotFound):
		fail(c, http.StatusNotFound, "JOB_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, models.ErrJobNotReady):
		fail(c, http.StatusConflict, "JOB_NOT_READY", err.Error(), nil)
	case errors.Is(err, models.ErrEngineNotFound):
		fail(c, http.StatusNotFound, "ENGINE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, models.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		c.Header("Retry-After", "5")
		fail(c, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error(), nil)
	case errors.Is(err, worker.ErrSweepInProgress):
		fail(c, http.StatusConflict, "CLEANUP_IN_PROGRESS", err.Error(), nil)
	case errors.As(err, &serr) && errors.Is(err, fs.ErrNotExist):
		fail(c, http.StatusNotFound, "FILE_NOT_FOUND", "result file is no longer available", nil)
	case errors.As(err, &serr):
		fail(c, http.StatusInternalServerError, "STORAGE_ERROR", "storage operation failed", nil)
	case errors.As(err, &berr):
		fail(c, http.StatusBadGateway, "BACKEND_ERROR", berr.Error(), nil)
	default:
		fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
	_ = c.Error(err)
}
