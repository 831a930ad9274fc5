// Package http exposes harvest jobs over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/export"
	"github.com/fyrsmithlabs/harvestd/internal/jobs"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
	"github.com/fyrsmithlabs/harvestd/internal/sanitize"
)

// Jobs is the job registry as used by the handlers.
type Jobs interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
	Get(id string) (jobs.Job, error)
	Result(id string) (*export.HarvestResult, error)
	Cancel(id string) error
	List() []jobs.Job
}

// Sanitizer cleans free text for POST /api/v1/sanitize.
type Sanitizer interface {
	Sanitize(raw string) sanitize.Result
}

// Codebook lists filter values.
type Codebook interface {
	ListCategories(ctx context.Context) ([]daktela.CodebookEntry, error)
	ListStatuses(ctx context.Context) ([]daktela.CodebookEntry, error)
}

// Server provides HTTP endpoints for harvestd.
type Server struct {
	echo      *echo.Echo
	jobs      Jobs
	sanitizer Sanitizer
	codebook  Codebook
	logger    *logging.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option customizes a Server.
type Option func(*serverOptions)

type serverOptions struct {
	codebook Codebook
	meter    metric.Meter
	gatherer prometheus.Gatherer
}

// WithCodebook enables the category and status endpoints.
func WithCodebook(cb Codebook) Option {
	return func(o *serverOptions) { o.codebook = cb }
}

// WithMeter records OpenTelemetry request metrics on m.
func WithMeter(m metric.Meter) Option {
	return func(o *serverOptions) { o.meter = m }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *serverOptions) { o.gatherer = g }
}

// NewServer creates a new HTTP server.
func NewServer(registry Jobs, sanitizer Sanitizer, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("job registry cannot be nil")
	}
	if sanitizer == nil {
		return nil, fmt.Errorf("sanitizer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9180,
		}
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if o.meter != nil {
		e.Use(NewHTTPMetrics(o.meter, logger).MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		jobs:      registry,
		sanitizer: sanitizer,
		codebook:  o.codebook,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes(o.gatherer)
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/jobs", s.handleSubmit)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.POST("/jobs/:id/cancel", s.handleCancel)
	v1.GET("/jobs/:id/records", s.handleArtifact(export.WriteJSON, echo.MIMEApplicationJSONCharsetUTF8))
	v1.GET("/jobs/:id/ids", s.handleArtifact(export.WriteIDList, echo.MIMETextPlainCharsetUTF8))
	v1.GET("/jobs/:id/report", s.handleArtifact(export.WriteReport, echo.MIMETextPlainCharsetUTF8))
	v1.GET("/jobs/:id/xlsx", s.handleArtifact(export.WriteXLSX, mimeXLSX))
	v1.POST("/sanitize", s.handleSanitize)
	v1.GET("/categories", s.handleCodebook(Codebook.ListCategories))
	v1.GET("/statuses", s.handleCodebook(Codebook.ListStatuses))
}

// Echo exposes the router for extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// errorHandler renders every error as {"error": "..."} and maps domain
// errors to status codes.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := statusFor(err)
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, jobs.ErrJobFinished), errors.Is(err, jobs.ErrNotFinished), errors.Is(err, jobs.ErrJobFailed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, daktela.ErrInvalidFilter):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, daktela.ErrAuth), errors.Is(err, daktela.ErrNetwork), errors.Is(err, daktela.ErrMalformedResponse):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}
