package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/sreeram77/gpu-stats/internal/config"
)

// SamplerService is the health service name that tracks the sampling loop.
const SamplerService = "gpustats.Sampler"

// Lifecycle is the part of the sampler the health service watches.
type Lifecycle interface {
	Done() <-chan struct{}
	Failed() bool
}

// Server represents the gRPC server
type Server struct {
	logger     zerolog.Logger
	config     config.GRPCServerConfig
	grpcServer *grpc.Server
	health     *health.Server
	sampler    Lifecycle
	listener   net.Listener
}

// NewServer creates a new gRPC server exposing the standard health service
// and reflection.
func NewServer(logger zerolog.Logger, cfg config.GRPCServerConfig, sampler Lifecycle) *Server {
	grpcServer := grpc.NewServer()

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SamplerService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	// Enable reflection for gRPC CLI tools like grpcurl
	reflection.Register(grpcServer)

	return &Server{
		logger:     logger.With().Str("component", "grpc").Logger(),
		config:     cfg,
		grpcServer: grpcServer,
		health:     hs,
		sampler:    sampler,
	}
}

// Listen binds the configured port. Run calls it when it has not been done.
func (s *Server) Listen() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves until ctx is cancelled, then stops gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.Info().
		Str("address", s.listener.Addr().String()).
		Msg("Starting gRPC server")

	if s.sampler != nil {
		go s.watch(ctx)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.Stop()
		return nil
	}
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (s *Server) Stop() {
	s.logger.Info().Msg("Shutting down gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info().Msg("gRPC server stopped")
}

// watch flips the sampler service to NOT_SERVING once the loop has ended on
// a failed tick.
func (s *Server) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.sampler.Done():
	}

	if s.sampler.Failed() {
		s.logger.Warn().Msg("Sampler failed, reporting NOT_SERVING")
		s.health.SetServingStatus(SamplerService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}
