// Package api exposes the operator-facing HTTP surface: health, the
// persisted-analyses read endpoint, the manual retrain trigger, and
// Prometheus exposition.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EnodAI/EnodAI/pkg/database"
	"github.com/EnodAI/EnodAI/pkg/models"
	"github.com/EnodAI/EnodAI/pkg/version"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// AnalysisReader is the read surface over persisted analyses.
type AnalysisReader interface {
	ListAnalyses(ctx context.Context, analysisType string, limit, offset int) ([]models.AnalysisRow, error)
}

// RetrainTrigger enqueues a manual model retrain.
type RetrainTrigger interface {
	TriggerRetrain() bool
}

// Server is the ops HTTP server.
type Server struct {
	db        *database.Client
	store     AnalysisReader
	scheduler RetrainTrigger
	srv       *http.Server
}

// NewServer wires the routes.
func NewServer(db *database.Client, store AnalysisReader, scheduler RetrainTrigger) *Server {
	s := &Server{db: db, store: store, scheduler: scheduler}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	v1.GET("/analyses", s.listAnalyses)
	v1.POST("/model/retrain", s.triggerRetrain)

	s.srv = &http.Server{Handler: engine}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens on addr; blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.db.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"version":  version.GitCommit,
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.GitCommit,
		"database": dbHealth,
	})
}

func (s *Server) listAnalyses(c *gin.Context) {
	limit := parseIntDefault(c.Query("limit"), defaultPageLimit)
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	offset := parseIntDefault(c.Query("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	rows, err := s.store.ListAnalyses(c.Request.Context(), c.Query("type"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list analyses"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analyses": rows,
		"count":    len(rows),
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) triggerRetrain(c *gin.Context) {
	if s.scheduler.TriggerRetrain() {
		c.JSON(http.StatusAccepted, gin.H{"status": "retrain scheduled"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "retrain queued"})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
