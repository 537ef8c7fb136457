// Package http provides the HTTP API for the pipeline orchestrator.
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

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// Pipeline is the orchestrator surface the API exposes.
type Pipeline interface {
	Submit(ctx context.Context, s orchestrator.Submission) (string, error)
	Advance(ctx context.Context, id string) (*orchestrator.PhaseOutcome, error)
	Cancel(ctx context.Context, id, reason string) (orchestrator.Task, error)
	Status(ctx context.Context, id string) (orchestrator.Task, error)
	Tasks(ctx context.Context, f orchestrator.TaskFilter) ([]orchestrator.Task, error)
	Records(ctx context.Context, id string) ([]stage.ExecutionRecord, error)
	ListPendingApprovals(ctx context.Context) ([]approval.Request, error)
	Decide(ctx context.Context, requestID string, verdict approval.Verdict, reviewer, justification string) (approval.Request, error)
	DefectDensity(ctx context.Context, id string) (float64, error)
	PhaseYield(ctx context.Context, phase stage.Phase) (float64, error)
	Accuracy() estimation.AccuracyReport
	Bootstrap(ctx context.Context) ([]bootstrap.Metric, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// SSEHeartbeat is the comment interval on event streams.
	SSEHeartbeat time.Duration `koanf:"sse_heartbeat"`
}

// DefaultConfig returns the default listener.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            9090,
		ShutdownTimeout: 10 * time.Second,
		SSEHeartbeat:    30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Port)
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("server shutdown_timeout cannot be negative")
	}
	if c.SSEHeartbeat < 0 {
		return errors.New("server sse_heartbeat cannot be negative")
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	logger   *logging.Logger
	config   Config
	metrics  *HTTPMetrics
	stream   *events.NATSSink
	health   func(context.Context) error
	tel      func() telemetry.HealthStatus
}

// Option configures a Server.
type Option func(*Server)

// WithEventStream enables GET /api/v1/tasks/:id/events backed by the NATS
// subjects sink publishes to.
func WithEventStream(sink *events.NATSSink) Option {
	return func(s *Server) { s.stream = sink }
}

// WithHealthCheck makes /health report unavailable when check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

// WithTelemetryHealth adds the telemetry provider state to /health. A
// degraded provider reports "degraded" without failing the check.
func WithTelemetryHealth(h func() telemetry.HealthStatus) Option {
	return func(s *Server) { s.tel = h }
}

// WithMetrics replaces the HTTP instrumentation.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(p Pipeline, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SSEHeartbeat == 0 {
		cfg.SSEHeartbeat = DefaultConfig().SSEHeartbeat
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		pipeline: p,
		logger:   logger.Named("http"),
		config:   *cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(logger.Underlying())
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), reqID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmit)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleStatus)
	v1.POST("/tasks/:id/advance", s.handleAdvance)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
	v1.GET("/tasks/:id/records", s.handleRecords)
	v1.GET("/tasks/:id/events", s.handleEvents)
	v1.GET("/approvals", s.handleListApprovals)
	v1.POST("/approvals/:id/decision", s.handleDecision)
	v1.GET("/defects/density/:task_id", s.handleDensity)
	v1.GET("/defects/yield/:phase", s.handleYield)
	v1.GET("/accuracy", s.handleAccuracy)
	v1.GET("/bootstrap", s.handleBootstrap)
}

// ServeHTTP lets the server be mounted or tested as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.echo.Shutdown(ctx)
}
