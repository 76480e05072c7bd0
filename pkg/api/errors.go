package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noir-madlax/segmentation-engine/pkg/segmentation"
)

// abortWithServiceError maps service-layer errors to HTTP responses.
func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, segmentation.ErrInvalidInput):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, segmentation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
