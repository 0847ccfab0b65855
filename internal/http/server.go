// Package http serves the memory API over echo.
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
	"golang.org/x/time/rate"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/memory"
)

// Memories is the document and search service behind the handlers.
// *memory.Service implements it.
type Memories interface {
	Insert(ctx context.Context, content string, metadata map[string]any, containerTag string) (*memory.Document, error)
	InsertBatch(ctx context.Context, items []memory.BatchItem) ([]memory.BatchResult, error)
	Get(ctx context.Context, id string) (*memory.Document, error)
	List(ctx context.Context, containerTag string, limit, offset int) ([]memory.Document, int, error)
	Update(ctx context.Context, id string, req memory.UpdateRequest) (*memory.Document, error)
	Delete(ctx context.Context, id string) error
	DeleteBulk(ctx context.Context, ids []string) ([]string, error)
	DeleteByTag(ctx context.Context, containerTag string) (int, error)
	ListProcessing(ctx context.Context) ([]memory.Document, error)
	Search(ctx context.Context, p memory.SearchParams) ([]memory.Hit, error)
	Settings(ctx context.Context) (map[string]any, error)
	MergeSettings(ctx context.Context, patch map[string]any) (map[string]any, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// APIKey enables bearer auth on /v3 and /v4 when non-empty.
	APIKey string
	// RateLimit is requests per second per client IP on /v3 and /v4. Zero disables it.
	RateLimit float64
	BodyLimit string
	Version   string

	DefaultLimit     int
	DefaultThreshold float64
	ListLimit        int
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.BodyLimit == "" {
		c.BodyLimit = "10M"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	memories Memories
	logger   *logging.Logger
	config   Config
	metrics  *HTTPMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records OTEL request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the server and registers every route.
func NewServer(memories Memories, logger *logging.Logger, cfg Config, opts ...Option) (*Server, error) {
	if memories == nil {
		return nil, errors.New("memory service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	cfg.applyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		memories: memories,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(s.accessLog)
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	s.registerRoutes()
	return s, nil
}

// accessLog writes one line per request.
func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Resolve the status before logging it.
			c.Error(err)
		}

		status := c.Response().Status
		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case status >= 500:
			s.logger.Error(c.Request().Context(), "http request", fields...)
		case c.Path() == "/health" || c.Path() == "/metrics":
			s.logger.Debug(c.Request().Context(), "http request", fields...)
		default:
			s.logger.Info(c.Request().Context(), "http request", fields...)
		}
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints. Static document routes are
// registered alongside :id; echo's router prefers static segments.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := []echo.MiddlewareFunc{}
	if s.config.RateLimit > 0 {
		api = append(api, s.rateLimiter())
	}
	if s.config.APIKey != "" {
		api = append(api, BearerAuth(s.config.APIKey))
	}

	v3 := s.echo.Group("/v3", api...)
	v3.POST("/documents", s.handleAddDocument)
	v3.POST("/documents/batch", s.handleBatchAdd)
	v3.POST("/documents/list", s.handleListDocuments)
	v3.POST("/documents/file", s.handleFileUpload)
	v3.GET("/documents/processing", s.handleProcessing)
	v3.DELETE("/documents/bulk", s.handleBulkDelete)
	v3.GET("/documents/:id", s.handleGetDocument)
	v3.PATCH("/documents/:id", s.handleUpdateDocument)
	v3.DELETE("/documents/:id", s.handleDeleteDocument)
	v3.POST("/search", s.handleSearchV3)
	v3.GET("/settings", s.handleGetSettings)
	v3.PATCH("/settings", s.handlePatchSettings)

	v4 := s.echo.Group("/v4", api...)
	v4.POST("/search", s.handleSearchV4)
	v4.DELETE("/memories", s.handleForget)
	v4.PATCH("/memories", s.handleUpdateMemory)
}

func (s *Server) rateLimiter() echo.MiddlewareFunc {
	burst := int(s.config.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.config.RateLimit),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		},
	})
}

// handleHealth never requires authentication.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
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
