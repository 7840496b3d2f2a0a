// Package http provides the dispatchd HTTP API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/services"
)

// Server exposes the feature, scheduler and workspace APIs over echo.
type Server struct {
	echo     *echo.Echo
	services *services.Registry
	logger   *logging.Logger
	metrics  *HTTPMetrics
	cfg      config.ServerConfig
	version  string
}

// Options configures the server.
type Options struct {
	Services *services.Registry
	Logger   *logging.Logger
	Config   config.ServerConfig
	Version  string

	// Gatherer backs GET /metrics. Defaults to the prometheus default
	// gatherer.
	Gatherer prometheus.Gatherer

	// Meter backs the per-request OTel instruments. Defaults to the global
	// meter provider.
	Meter metric.Meter
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Services == nil {
		return nil, fmt.Errorf("service registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		services: opts.Services,
		logger:   opts.Logger.Named("http"),
		metrics:  NewHTTPMetrics(opts.Meter, opts.Logger),
		cfg:      opts.Config,
		version:  opts.Version,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(s.metrics.Middleware())

	s.registerRoutes(opts.Gatherer)
	return s, nil
}

// requestLogger logs one line per request and threads the request id into
// the context so downstream log lines correlate.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), requestID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
		return err
	}
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/projects", s.handleListProjects)

	p := v1.Group("/projects/:project")

	p.POST("/features", s.handleCreateFeature)
	p.GET("/features", s.handleListFeatures)
	p.GET("/features/:id", s.handleGetFeature)
	p.PATCH("/features/:id", s.handleUpdateFeature)
	p.DELETE("/features/:id", s.handleDeleteFeature)
	p.POST("/features:bulk-delete", s.handleBulkDelete)

	p.POST("/features/:id/run", s.handleRunFeature)
	p.POST("/features/:id/abort", s.handleAbortFeature)
	p.POST("/features/:id/reset", s.handleResetFeature)
	p.POST("/features/:id/approve", s.handleApproveFeature)
	p.POST("/features/:id/reject", s.handleRejectFeature)

	p.GET("/scheduler/status", s.handleSchedulerStatus)
	p.POST("/scheduler/concurrency", s.handleSetConcurrency)
	p.POST("/scheduler/start", s.handleStartAuto)
	p.POST("/scheduler/stop", s.handleStopAuto)
	p.POST("/scheduler/abort-all", s.handleAbortAll)

	p.POST("/workspace", s.handleCreateWorkspace)
	p.GET("/workspace/status", s.handleWorkspaceStatus)
	p.POST("/workspace/merge", s.handleMergeWorkspace)
	p.POST("/workspace/destroy", s.handleDestroyWorkspace)
}

// project resolves the :project path param to its service bundle.
func (s *Server) project(c echo.Context) (*services.Project, error) {
	p, err := s.services.Project(c.Param("project"))
	if err != nil {
		return nil, httpError(err)
	}
	return p, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
