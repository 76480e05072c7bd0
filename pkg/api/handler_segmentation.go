package api

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// streamPollInterval is how often the SSE loop re-reads the run record.
const streamPollInterval = 500 * time.Millisecond

// CreateRunRequest is the POST /product-segmentation body.
type CreateRunRequest struct {
	ProductIDs      []int64 `json:"product_ids"`
	ProductCategory string  `json:"product_category"`
}

// createRunHandler handles POST /product-segmentation: creates the run,
// kicks off asynchronous processing, and answers 202 with the stream
// location.
func (s *Server) createRunHandler(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	runID, err := s.service.CreateRun(c.Request.Context(), req.ProductIDs, req.ProductCategory)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	// Execution outlives the request; the SSE stream surfaces progress.
	go func() {
		if err := s.service.ExecuteRun(context.Background(), runID); err != nil {
			slog.Error("Asynchronous run execution failed", "run_id", runID, "error", err)
		}
	}()

	c.Header("Location", fmt.Sprintf("/product-segmentation/%s/stream", runID))
	c.Status(http.StatusAccepted)
}

// getRunHandler handles GET /product-segmentation/:run_id.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.service.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":     run,
		"percent": roundPercent(run.ProgressPercent()),
	})
}

// segmentsHandler handles GET /product-segmentation/:run_id/segments.
// Failed runs return whatever partial data exists.
func (s *Server) segmentsHandler(c *gin.Context) {
	results, err := s.service.GetResults(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// cancelRunHandler handles POST /product-segmentation/:run_id/cancel.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID := c.Param("run_id")
	if s.service.CancelRun(runID) {
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "cancelled": true})
		return
	}

	// Not executing here: distinguish unknown runs from idle ones.
	if _, err := s.service.GetRun(c.Request.Context(), runID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusConflict, gin.H{"run_id": runID, "cancelled": false, "error": "run is not executing"})
}

// streamHandler handles GET /product-segmentation/:run_id/stream. It
// polls the run record and emits a progress event whenever the derived
// percent changes, closing once the run reaches a terminal stage or the
// client disconnects.
func (s *Server) streamHandler(c *gin.Context) {
	runID := c.Param("run_id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	run, err := s.service.GetRun(c.Request.Context(), runID)
	if err != nil {
		c.SSEvent("error", gin.H{"run_id": runID, "error": "run not found"})
		c.Writer.Flush()
		return
	}

	lastPercent := -1.0
	emit := func(run *models.Run) bool {
		percent := roundPercent(run.ProgressPercent())
		if run.Stage == models.StageCompleted {
			percent = 100.0
		}
		if percent == lastPercent && !run.Stage.Terminal() {
			return false
		}
		lastPercent = percent
		c.SSEvent("progress", models.ProgressEvent{
			RunID:   runID,
			Percent: percent,
			Stage:   run.Stage,
		})
		c.Writer.Flush()
		return true
	}

	emit(run)
	if run.Stage.Terminal() {
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			// Client went away; the underlying run keeps going.
			return
		case <-ticker.C:
			run, err := s.service.GetRun(c.Request.Context(), runID)
			if err != nil {
				c.SSEvent("error", gin.H{"run_id": runID, "error": err.Error()})
				c.Writer.Flush()
				return
			}
			emit(run)
			if run.Stage.Terminal() {
				return
			}
		}
	}
}

// roundPercent keeps stream payloads at one decimal place.
func roundPercent(p float64) float64 {
	return math.Round(p*10) / 10
}
