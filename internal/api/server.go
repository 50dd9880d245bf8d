package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-stats/internal/config"
	"github.com/sreeram77/gpu-stats/internal/nvsmi"
	"github.com/sreeram77/gpu-stats/internal/sink"
)

// SamplerStatus is the read-only view of the sampler the API reports on.
type SamplerStatus interface {
	GPUs() []nvsmi.Descriptor
	Step() int64
	Ticks() int64
	FailedTicks() int64
	Interval() time.Duration
	Running() bool
	Err() error
}

// History serves recently published scalars.
type History interface {
	Tags() []string
	Series(tag string, fromStep int64) []sink.Scalar
	Latest(tag string) (sink.Scalar, bool)
}

// Server represents the API server
type Server struct {
	router     *gin.Engine
	logger     zerolog.Logger
	httpServer *http.Server
	listener   net.Listener
	version    string

	sampler  SamplerStatus
	history  History
	gatherer prometheus.Gatherer
}

// NewServer creates a new API server instance. history and gatherer may be
// nil, in which case their routes answer 404.
func NewServer(logger zerolog.Logger, cfg config.HTTPServerConfig, version string, sampler SamplerStatus, history History, gatherer prometheus.Gatherer) *Server {
	srv := &Server{
		logger:   logger.With().Str("component", "api").Logger(),
		version:  version,
		sampler:  sampler,
		history:  history,
		gatherer: gatherer,
	}

	// Configure Gin
	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv.router = gin.New()
	srv.router.Use(
		gin.Recovery(),
		requestLogger(srv.logger),
	)

	// Register routes
	srv.registerRoutes()

	// Create HTTP server
	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = lis

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Starting API server")

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server...")

	// Create a deadline to wait for
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	// Shutdown the server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during server shutdown")
		return err
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/gpus", s.listGPUs)
		v1.GET("/scalars", s.getScalars)
	}

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// requestLogger is a middleware that logs HTTP requests
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := logger.Debug()
		if statusCode >= 400 {
			event = logger.Error().Str("error", c.Errors.ByType(gin.ErrorTypePrivate).String())
		}

		event = event.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Str("ip", c.ClientIP()).
			Str("user-agent", c.Request.UserAgent()).
			Dur("latency", latency)

		if query != "" {
			event = event.Str("query", query)
		}

		event.Msg("Request processed")
	}
}
