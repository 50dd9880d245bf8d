package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-stats/internal/api"
	"github.com/sreeram77/gpu-stats/internal/config"
	"github.com/sreeram77/gpu-stats/internal/logging"
	"github.com/sreeram77/gpu-stats/internal/nvsmi"
	"github.com/sreeram77/gpu-stats/internal/observability"
	"github.com/sreeram77/gpu-stats/internal/sink"
	"github.com/sreeram77/gpu-stats/internal/telemetry"
	grpctransport "github.com/sreeram77/gpu-stats/internal/transport/grpc"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	once := flag.Bool("once", false, "take a single sample, print it as JSON and exit")
	flag.Parse()

	// Initialize configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, logCloser, err := logging.New(cfg.Log, cfg.App.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	if *once {
		err = sampleOnce(ctx, logger, cfg)
	} else {
		err = run(ctx, logger, cfg)
	}
	stop()

	if err != nil {
		var envErr *nvsmi.EnvironmentError
		if errors.As(err, &envErr) {
			logger.Error().Err(err).Str("path", envErr.Path).Msg("GPU diagnostic tool is not usable on this host")
		} else {
			logger.Error().Err(err).Msg("GPU stats sampler exited with error")
		}
		logCloser.Close()
		os.Exit(1)
	}
	logCloser.Close()
}

// sampleOnce takes one sample without publishing it.
func sampleOnce(ctx context.Context, logger zerolog.Logger, cfg *config.Config) error {
	tool := nvsmi.NewExec(cfg.Tool.Path, cfg.Tool.Timeout)

	sampler, err := telemetry.NewSampler(ctx, logger, tool, sink.NewMemory(1), samplerConfig(cfg))
	if err != nil {
		return err
	}
	defer sampler.Shutdown()

	rec, err := sampler.Sample(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func run(ctx context.Context, logger zerolog.Logger, cfg *config.Config) error {
	// Self-metrics go through the same registry as the Prometheus sink
	metrics, err := observability.NewProvider(cfg.App.Name, cfg.App.Version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down meter provider")
		}
	}()

	runID := uuid.NewString()
	out, history, err := buildSinks(logger, cfg, metrics.Registry(), runID)
	if err != nil {
		return err
	}

	tool := nvsmi.NewExec(cfg.Tool.Path, cfg.Tool.Timeout)
	sampler, err := telemetry.NewSampler(ctx, logger, tool, out, samplerConfig(cfg))
	if err != nil {
		if cerr := out.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to close sinks")
		}
		return err
	}

	if err := sampler.Start(); err != nil {
		return errors.Join(err, sampler.Shutdown())
	}

	logger.Info().
		Str("run_id", runID).
		Strs("sinks", cfg.Sink.Types).
		Dur("interval", cfg.Sampler.Interval).
		Str("tool", tool.Path()).
		Msg("GPU stats sampler started")

	var httpServer *api.Server
	if cfg.Server.HTTP.Enabled {
		var h api.History
		if history != nil {
			h = history
		}
		httpServer = api.NewServer(logger, cfg.Server.HTTP, cfg.App.Version, sampler, h, metrics.Registry())
		if err := httpServer.Start(); err != nil {
			return errors.Join(err, sampler.Shutdown())
		}
	}

	grpcCtx, cancelGRPC := context.WithCancel(context.Background())
	grpcDone := make(chan struct{})
	if cfg.Server.GRPC.Enabled {
		grpcServer := grpctransport.NewServer(logger, cfg.Server.GRPC, sampler)
		if err := grpcServer.Listen(); err != nil {
			cancelGRPC()
			return errors.Join(err, sampler.Shutdown())
		}
		go func() {
			defer close(grpcDone)
			if err := grpcServer.Run(grpcCtx); err != nil {
				logger.Error().Err(err).Msg("gRPC server error")
			}
		}()
	} else {
		close(grpcDone)
	}

	// Wait for a termination signal or for the loop to give up
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down...")
	case <-sampler.Done():
		logger.Warn().Msg("Sampler loop ended")
	}

	samplerErr := sampler.Shutdown()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error during server shutdown")
		}
		cancel()
	}

	cancelGRPC()
	<-grpcDone

	logger.Info().
		Int64("ticks", sampler.Ticks()).
		Int64("failed_ticks", sampler.FailedTicks()).
		Msg("GPU stats sampler stopped")

	return samplerErr
}

func samplerConfig(cfg *config.Config) *telemetry.Config {
	return &telemetry.Config{
		Interval:      cfg.Sampler.Interval,
		FailurePolicy: telemetry.FailurePolicy(cfg.Sampler.FailurePolicy),
	}
}

// buildSinks opens every configured sink and fans them out behind one Sink.
// The memory sink, when enabled, is also returned for the HTTP API.
func buildSinks(logger zerolog.Logger, cfg *config.Config, reg prometheus.Registerer, runID string) (sink.Sink, *sink.Memory, error) {
	var (
		sinks   []sink.Sink
		history *sink.Memory
	)

	fail := func(err error) (sink.Sink, *sink.Memory, error) {
		if cerr := sink.NewMulti(sinks...).Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to close sinks")
		}
		return nil, nil, err
	}

	for _, t := range cfg.Sink.Types {
		switch t {
		case config.SinkTensorBoard:
			tb, err := sink.NewTensorBoard(logger, cfg.Sink.TensorBoard.LogDir)
			if err != nil {
				return fail(fmt.Errorf("failed to open tensorboard sink: %w", err))
			}
			sinks = append(sinks, tb)
		case config.SinkMemory:
			history = sink.NewMemory(cfg.Sink.Memory.Capacity)
			sinks = append(sinks, history)
		case config.SinkPrometheus:
			p, err := sink.NewPrometheus(reg)
			if err != nil {
				return fail(fmt.Errorf("failed to register prometheus sink: %w", err))
			}
			sinks = append(sinks, p)
		case config.SinkPostgres:
			pg := cfg.Sink.Postgres
			p, err := sink.NewPostgres(logger, sink.PostgresConfig{
				Host:     pg.Host,
				Port:     pg.Port,
				User:     pg.User,
				Password: pg.Password,
				DBName:   pg.DBName,
				SSLMode:  pg.SSLMode,
				Timeout:  pg.Timeout,
			}, runID)
			if err != nil {
				return fail(fmt.Errorf("failed to open postgres sink: %w", err))
			}
			sinks = append(sinks, p)
		default:
			return fail(fmt.Errorf("unknown sink type %q", t))
		}
	}

	if len(sinks) == 1 {
		return sinks[0], history, nil
	}
	return sink.NewMulti(sinks...), history, nil
}
