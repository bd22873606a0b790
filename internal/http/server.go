// Package http provides the HTTP API for flowlearn.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/cooccurrence"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/ingest"
	"github.com/fyrsmithlabs/flowlearn/internal/logging"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

// Services are the modules the API exposes.
type Services struct {
	Retrieval    *retrieval.Service
	Patterns     *patterns.Store
	Training     *training.Store
	CoOccurrence *cooccurrence.Store
	Feedback     *feedback.Store
	Prompts      *prompts.Registry
	Ingest       ingest.Ingester

	// Ping checks the database for /health. Optional.
	Ping func(ctx context.Context) error
}

func (s Services) validate() error {
	if s.Retrieval == nil || s.Patterns == nil || s.Training == nil || s.CoOccurrence == nil ||
		s.Feedback == nil || s.Prompts == nil || s.Ingest == nil {
		return errors.New("all services are required")
	}
	return nil
}

// Server provides HTTP endpoints for flowlearn.
type Server struct {
	echo    *echo.Echo
	svc     Services
	logger  *zap.Logger
	config  *Config
	metrics *requestMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(svc Services, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: newRequestMetrics(nil, logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), reqID)))

			err := next(c)

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/suggestions", s.handleSuggest)
	v1.POST("/fewshot", s.handleFewShot)

	v1.POST("/feedback", s.handleSubmitFeedback)
	v1.GET("/feedback/:id", s.handleGetFeedback)
	v1.POST("/feedback/:id/ingest", s.handleIngest)

	v1.POST("/examples", s.handleRecordExample)
	v1.GET("/examples/:id", s.handleGetExample)
	v1.POST("/examples/:id/resolve", s.handleResolveExample)
	v1.POST("/examples/:id/approve", s.handleApproveExample)

	v1.POST("/patterns", s.handleUpsertPattern)
	v1.GET("/patterns", s.handleListPatterns)
	v1.GET("/patterns/:id", s.handleGetPattern)
	v1.POST("/patterns/:id/activate", s.handleSetPatternActive(true))
	v1.POST("/patterns/:id/deactivate", s.handleSetPatternActive(false))

	v1.POST("/prompts", s.handleCreatePrompt)
	v1.GET("/prompts", s.handleListPrompts)
	v1.GET("/prompts/active", s.handleActivePrompt)
	v1.GET("/prompts/:version", s.handleGetPrompt)
	v1.POST("/prompts/:version/activate", s.handleActivatePrompt)
	v1.POST("/prompts/:version/usage", s.handlePromptUsage)

	v1.GET("/cooccurrence/:component/related", s.handleRelated)

	v1.GET("/anomalies", s.handleListAnomalies)
	v1.POST("/anomalies/:id/resolve", s.handleResolveAnomaly)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.svc.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: "database unreachable"})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Handler exposes the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
