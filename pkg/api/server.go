// Package api provides the HTTP surface: run creation, the SSE progress
// stream, and final results. It owns no business logic.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noir-madlax/segmentation-engine/pkg/database"
	"github.com/noir-madlax/segmentation-engine/pkg/models"
	"github.com/noir-madlax/segmentation-engine/pkg/segmentation"
)

// SegmentationService is the orchestrator surface the API dispatches to.
type SegmentationService interface {
	CreateRun(ctx context.Context, productIDs []int64, productCategory string) (string, error)
	ExecuteRun(ctx context.Context, runID string) error
	CancelRun(runID string) bool
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	GetResults(ctx context.Context, runID string) (*segmentation.Results, error)
}

// Server is the HTTP API server.
type Server struct {
	router   *gin.Engine
	service  SegmentationService
	dbClient *database.Client
	http     *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(service SegmentationService, dbClient *database.Client) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		service:  service,
		dbClient: dbClient,
	}
	s.setupRoutes()
	return s
}

// Router exposes the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	s.router.POST("/product-segmentation", s.createRunHandler)
	s.router.GET("/product-segmentation/:run_id", s.getRunHandler)
	s.router.GET("/product-segmentation/:run_id/stream", s.streamHandler)
	s.router.GET("/product-segmentation/:run_id/segments", s.segmentsHandler)
	s.router.POST("/product-segmentation/:run_id/cancel", s.cancelRunHandler)
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *gin.Context) {
	if s.dbClient == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}
