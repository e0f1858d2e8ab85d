// Package api is the HTTP surface: the tracker webhook receiver plus the
// admin endpoints for backfill and mapping inspection.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/forumbridge/forumbridge/internal/backfill"
	"github.com/forumbridge/forumbridge/internal/config"
	"github.com/forumbridge/forumbridge/internal/mapping"
	"github.com/forumbridge/forumbridge/internal/webhook"
)

// Server represents the API server
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	router *webhook.Router
	engine *backfill.Engine
	maps   *mapping.Store
	logger zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, router *webhook.Router, engine *backfill.Engine, maps *mapping.Store, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:   e,
		cfg:    cfg,
		router: router,
		engine: engine,
		maps:   maps,
		logger: logger,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")
	v1.POST("/webhook/github", s.handleWebhook)

	admin := v1.Group("", RequireJWT(s.cfg.Server.JWTSecret))
	admin.POST("/backfill/:channelID", s.startBackfill)
	admin.GET("/backfill", s.listBackfills)
	admin.GET("/backfill/:jobID/progress", s.backfillProgress)
	admin.DELETE("/backfill/:jobID", s.cancelBackfill)
	admin.GET("/mappings/stats", s.mappingStats)
}

// handleWebhook receives tracker deliveries. Rejected events still answer
// 200 so the tracker does not disable the hook; only unparseable payloads
// are a client error.
func (s *Server) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	if !webhook.VerifySignature(s.cfg.Tracker.WebhookSecret, body, c.Request().Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn().Msg("webhook signature mismatch")
		return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
	}

	event := c.Request().Header.Get("X-GitHub-Event")
	processed, reason, err := s.router.Handle(c.Request().Context(), event, body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if processed {
		return c.JSON(http.StatusOK, map[string]string{"status": "processed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ignored", "reason": reason})
}

type backfillRequest struct {
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	BatchSize     int    `json:"batch_size"`
	DelayMS       int    `json:"delay_ms"`
	SyncToTracker bool   `json:"sync_to_tracker"`
	MirrorContent bool   `json:"mirror_content"`
	UpdateScores  bool   `json:"update_scores"`
}

func (s *Server) startBackfill(c echo.Context) error {
	channelID := c.Param("channelID")

	var req backfillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid backfill request")
	}

	opts := backfill.Options{
		BatchSize:     req.BatchSize,
		Delay:         time.Duration(req.DelayMS) * time.Millisecond,
		SyncToTracker: req.SyncToTracker,
		MirrorContent: req.MirrorContent,
		UpdateScores:  req.UpdateScores,
	}
	if req.StartDate != "" {
		t, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		}
		opts.StartDate = t
	}
	if req.EndDate != "" {
		t, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		}
		opts.EndDate = t
	}

	// Detach from the request context; the job outlives the HTTP call.
	job := s.engine.Start(context.Background(), channelID, opts)
	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "running",
	})
}

func (s *Server) listBackfills(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs": s.engine.ActiveJobs(),
	})
}

func (s *Server) backfillProgress(c echo.Context) error {
	job, ok := s.engine.Progress(c.Param("jobID"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) cancelBackfill(c echo.Context) error {
	if !s.engine.Cancel(c.Param("jobID")) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) mappingStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.maps.Stats())
}

// Start begins the API server
func (s *Server) Start() error {
	// Start server in a goroutine
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.maps.Close(); err != nil {
		s.logger.Error().Err(err).Msg("final mapping flush failed")
	}

	return s.echo.Shutdown(ctx)
}
