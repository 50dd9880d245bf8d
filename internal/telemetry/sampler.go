package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-stats/internal/nvsmi"
	"github.com/sreeram77/gpu-stats/internal/sink"
)

// DefaultInterval is the delay between two ticks.
const DefaultInterval = 5 * time.Minute

// FailurePolicy decides what a failed tick does to the sampling loop.
type FailurePolicy string

const (
	// FailurePolicySkip logs the failure and carries on with the next tick.
	FailurePolicySkip FailurePolicy = "skip"
	// FailurePolicyStop ends the loop and keeps the error for Err and Shutdown.
	FailurePolicyStop FailurePolicy = "stop"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("sampler already started")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("sampler shut down")
)

// Config holds configuration for the Sampler
type Config struct {
	Interval      time.Duration
	FailurePolicy FailurePolicy
}

var _ StatsSampler = (*Sampler)(nil)

// Sampler periodically queries GPU state and publishes it to a sink.
type Sampler struct {
	logger zerolog.Logger
	config Config
	tool   nvsmi.Tool
	sink   sink.Sink
	gpus   []nvsmi.Descriptor

	// after returns the channel the loop sleeps on between ticks.
	after func(time.Duration) <-chan time.Time

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error

	step        atomic.Int64
	ticks       atomic.Int64
	failedTicks atomic.Int64

	mu  sync.RWMutex
	err error

	metrics samplerMetrics
}

// NewSampler probes the diagnostic tool and enumerates GPUs. It fails with an
// *nvsmi.EnvironmentError when the tool cannot be used on this host.
func NewSampler(ctx context.Context, logger zerolog.Logger, tool nvsmi.Tool, out sink.Sink, cfg *Config) (*Sampler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	config := *cfg
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	// The step advances by the interval in whole seconds.
	if config.Interval < time.Second || config.Interval%time.Second != 0 {
		return nil, fmt.Errorf("interval must be a whole number of seconds, got %s", config.Interval)
	}
	switch config.FailurePolicy {
	case "":
		config.FailurePolicy = FailurePolicySkip
	case FailurePolicySkip, FailurePolicyStop:
	default:
		return nil, fmt.Errorf("unknown failure policy %q", config.FailurePolicy)
	}
	if tool == nil {
		return nil, fmt.Errorf("tool is required")
	}
	if out == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if err := tool.Probe(ctx); err != nil {
		return nil, err
	}

	listing, err := tool.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list gpus: %w", err)
	}

	s := &Sampler{
		logger: logger.With().Str("component", "sampler").Logger(),
		config: config,
		tool:   tool,
		sink:   out,
		gpus:   nvsmi.ParseList(listing),
		after:  time.After,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.metrics = newSamplerMetrics(s)

	if len(s.gpus) == 0 {
		s.logger.Warn().Msg("No GPUs listed by the diagnostic tool")
	}
	for _, gpu := range s.gpus {
		s.logger.Info().
			Int("index", gpu.Index).
			Str("name", gpu.Name).
			Str("uuid", gpu.UUID).
			Msg("Found GPU")
	}

	return s, nil
}

// GPUs returns the descriptors captured at construction.
func (s *Sampler) GPUs() []nvsmi.Descriptor {
	out := make([]nvsmi.Descriptor, len(s.gpus))
	copy(out, s.gpus)
	return out
}

// Step returns the time index the next record will be published at.
func (s *Sampler) Step() int64 {
	return s.step.Load()
}

// Ticks returns the number of records published so far.
func (s *Sampler) Ticks() int64 {
	return s.ticks.Load()
}

// FailedTicks returns the number of ticks that produced no record.
func (s *Sampler) FailedTicks() int64 {
	return s.failedTicks.Load()
}

// Interval returns the configured delay between ticks.
func (s *Sampler) Interval() time.Duration {
	return s.config.Interval
}

// Policy returns the configured failure policy.
func (s *Sampler) Policy() FailurePolicy {
	return s.config.FailurePolicy
}

// Err returns the error that ended the loop, if any.
func (s *Sampler) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Failed reports whether the loop ended because of a failed tick.
func (s *Sampler) Failed() bool {
	return s.Err() != nil
}

// Done is closed once the sampling loop has exited.
func (s *Sampler) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the sampling loop is active.
func (s *Sampler) Running() bool {
	s.lifecycle.Lock()
	started := s.started
	s.lifecycle.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start launches the sampling loop. It must be called at most once.
func (s *Sampler) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stopped {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	go s.run()
	return nil
}

// Shutdown asks the loop to stop after its current tick and waits for it to
// exit. Before Start it only releases the sink. It returns the error that
// ended the loop, joined with any error from closing the sink.
func (s *Sampler) Shutdown() error {
	s.lifecycle.Lock()
	started := s.started
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.lifecycle.Unlock()

	if !started {
		return s.closeSink()
	}

	<-s.done
	return errors.Join(s.Err(), s.closeSink())
}

// Sample queries the tool once and builds a record at the current step
// without publishing it.
func (s *Sampler) Sample(ctx context.Context) (Record, error) {
	start := time.Now()
	out, err := s.tool.Query(ctx)
	s.metrics.queryDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return Record{}, fmt.Errorf("failed to query gpu state: %w", err)
	}

	readings, err := nvsmi.ParseQuery(out)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse gpu state: %w", err)
	}

	rec, err := Collect(s.step.Load(), readings)
	if err != nil {
		return Record{}, err
	}
	rec.TakenAt = start

	if rec.GPUCount > 1 {
		s.metrics.multiGPU.Add(ctx, 1)
		s.logger.Warn().
			Int("gpu_count", rec.GPUCount).
			Msg("Only the last GPU's stats are collected")
	}

	return rec, nil
}

func (s *Sampler) run() {
	defer close(s.done)
	defer s.closeSink()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Str("failure_policy", string(s.config.FailurePolicy)).
		Int("gpu_count", len(s.gpus)).
		Msg("Started GPU stats sampler")

	for {
		if err := s.tick(context.Background()); err != nil {
			s.failedTicks.Add(1)
			s.metrics.ticks.Add(context.Background(), 1, resultFailed)

			if s.config.FailurePolicy == FailurePolicyStop {
				s.setErr(err)
				s.logger.Error().Err(err).Msg("Sampling tick failed, stopping sampler")
				return
			}
			s.logger.Warn().Err(err).Msg("Sampling tick failed, skipping")
		}

		if !s.sleep() {
			s.logger.Info().
				Int64("ticks", s.ticks.Load()).
				Int64("failed_ticks", s.failedTicks.Load()).
				Msg("Stopping GPU stats sampler")
			return
		}
	}
}

// tick takes one sample, publishes it and advances the step.
func (s *Sampler) tick(ctx context.Context) error {
	rec, err := s.Sample(ctx)
	if err != nil {
		return err
	}

	for _, p := range rec.Points() {
		if err := s.sink.AddScalar(p.Tag, p.Value, rec.Step); err != nil {
			s.metrics.publishErrors.Add(ctx, 1)
			s.logger.Error().Err(err).
				Str("tag", p.Tag).
				Int64("step", rec.Step).
				Msg("Failed to publish scalar")
		}
	}

	s.logger.Debug().
		Int64("step", rec.Step).
		Int("gpu_utilization", rec.GPUUtilization).
		Int("gpu_vram_usage", rec.VRAMUsage).
		Int("gpu_temperature", rec.Temperature).
		Msg("Published GPU stats")

	s.step.Add(int64(s.config.Interval / time.Second))
	s.ticks.Add(1)
	s.metrics.ticks.Add(ctx, 1, resultOK)
	return nil
}

// sleep waits one interval. It reports false once a stop was requested.
func (s *Sampler) sleep() bool {
	select {
	case <-s.stop:
		return false
	case <-s.after(s.config.Interval):
	}

	select {
	case <-s.stop:
		return false
	default:
		return true
	}
}

func (s *Sampler) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sampler) closeSink() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.sink.Close()
		if s.closeErr != nil {
			s.logger.Error().Err(s.closeErr).Msg("Failed to close sink")
		}
	})
	return s.closeErr
}
