package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/gpu-stats/internal/nvsmi"
	"github.com/sreeram77/gpu-stats/internal/sink"
)

const listing = "GPU 0: Tesla V100-PCIE-32GB (UUID: GPU-29ff212b-6ddd-2c59-7bb4-1022fb41b567)\n"

func gpuXML(util, used, total, temp string) string {
	return fmt.Sprintf(`<gpu id="0">
        <utilization><gpu_util>%s</gpu_util></utilization>
        <fb_memory_usage><total>%s</total><used>%s</used></fb_memory_usage>
        <temperature><gpu_temp>%s</gpu_temp></temperature>
    </gpu>`, util, total, used, temp)
}

func queryXML(gpus ...string) []byte {
	return []byte("<?xml version=\"1.0\" ?>\n<nvidia_smi_log>" + strings.Join(gpus, "") + "</nvidia_smi_log>")
}

type response struct {
	out []byte
	err error
}

// fakeTool answers queries from a script of responses; the last one repeats.
type fakeTool struct {
	mu        sync.Mutex
	probeErr  error
	listErr   error
	listing   string
	responses []response
	delay     time.Duration
	queries   int
}

func (f *fakeTool) Probe(context.Context) error {
	return f.probeErr
}

func (f *fakeTool) List(context.Context) ([]byte, error) {
	return []byte(f.listing), f.listErr
}

func (f *fakeTool) Query(context.Context) ([]byte, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.queries
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.queries++
	return f.responses[idx].out, f.responses[idx].err
}

func (f *fakeTool) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// recordingSink keeps every call in order.
type recordingSink struct {
	mu      sync.Mutex
	events  []string
	scalars []sink.Scalar
	closes  int
}

func (r *recordingSink) AddScalar(tag string, value float64, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "add")
	r.scalars = append(r.scalars, sink.Scalar{Tag: tag, Value: value, Step: step})
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "close")
	r.closes++
	return nil
}

func (r *recordingSink) snapshot() ([]string, []sink.Scalar, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]sink.Scalar(nil), r.scalars...), r.closes
}

func (r *recordingSink) published() int {
	_, scalars, _ := r.snapshot()
	return len(scalars)
}

// syncBuffer lets the sampler goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestSampler builds a sampler whose sleeps are driven by the returned channel.
func newTestSampler(t *testing.T, tool *fakeTool, out sink.Sink, policy FailurePolicy, logs *syncBuffer) (*Sampler, chan time.Time) {
	t.Helper()
	logger := zerolog.Nop()
	if logs != nil {
		logger = zerolog.New(logs)
	}

	s, err := NewSampler(context.Background(), logger, tool, out, &Config{
		Interval:      5 * time.Minute,
		FailurePolicy: policy,
	})
	require.NoError(t, err)

	wake := make(chan time.Time)
	s.after = func(time.Duration) <-chan time.Time { return wake }
	return s, wake
}

func TestNewSampler(t *testing.T) {
	t.Run("tool not found", func(t *testing.T) {
		tool := &fakeTool{probeErr: &nvsmi.EnvironmentError{Path: "nvidia-smi", Err: nvsmi.ErrToolNotFound}}

		s, err := NewSampler(context.Background(), zerolog.Nop(), tool, &recordingSink{}, nil)
		require.Error(t, err)
		assert.Nil(t, s)

		var envErr *nvsmi.EnvironmentError
		assert.True(t, errors.As(err, &envErr))
		assert.ErrorIs(t, err, nvsmi.ErrToolNotFound)
	})

	t.Run("listing fails", func(t *testing.T) {
		tool := &fakeTool{listErr: errors.New("exit status 6")}

		_, err := NewSampler(context.Background(), zerolog.Nop(), tool, &recordingSink{}, nil)
		assert.Error(t, err)
	})

	t.Run("unknown failure policy", func(t *testing.T) {
		_, err := NewSampler(context.Background(), zerolog.Nop(), &fakeTool{}, &recordingSink{}, &Config{FailurePolicy: "retry"})
		assert.Error(t, err)
	})

	t.Run("interval not in whole seconds", func(t *testing.T) {
		for _, interval := range []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond} {
			tool := &fakeTool{listing: listing}
			s, err := NewSampler(context.Background(), zerolog.Nop(), tool, &recordingSink{}, &Config{Interval: interval})
			require.Error(t, err, interval.String())
			assert.Nil(t, s)
			assert.Contains(t, err.Error(), "whole number of seconds")
		}
	})

	t.Run("one second interval", func(t *testing.T) {
		s, err := NewSampler(context.Background(), zerolog.Nop(), &fakeTool{listing: listing}, &recordingSink{}, &Config{Interval: time.Second})
		require.NoError(t, err)
		assert.Equal(t, time.Second, s.Interval())
	})

	t.Run("defaults", func(t *testing.T) {
		s, err := NewSampler(context.Background(), zerolog.Nop(), &fakeTool{listing: listing}, &recordingSink{}, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultInterval, s.Interval())
		assert.Equal(t, FailurePolicySkip, s.Policy())
		assert.Equal(t, int64(0), s.Step())
	})

	t.Run("descriptors preserved", func(t *testing.T) {
		lines := []string{
			"GPU 0: NVIDIA A100-SXM4-80GB (UUID: GPU-0)",
			"GPU 1: NVIDIA A100-SXM4-80GB (UUID: GPU-1)",
			"GPU 2: NVIDIA A100-SXM4-80GB (UUID: GPU-2)",
		}
		tool := &fakeTool{listing: strings.Join(lines, "\n") + "\n"}

		s, err := NewSampler(context.Background(), zerolog.Nop(), tool, &recordingSink{}, nil)
		require.NoError(t, err)

		gpus := s.GPUs()
		require.Len(t, gpus, 3)
		for i, gpu := range gpus {
			assert.Equal(t, lines[i], gpu.Raw)
			assert.Equal(t, i, gpu.Index)
		}
	})

	t.Run("zero gpus is only a warning", func(t *testing.T) {
		logs := &syncBuffer{}
		s, err := NewSampler(context.Background(), zerolog.New(logs), &fakeTool{}, &recordingSink{}, nil)
		require.NoError(t, err)
		assert.Empty(t, s.GPUs())
		assert.Contains(t, logs.String(), "No GPUs listed")
	})
}

func TestCollect(t *testing.T) {
	t.Run("single gpu", func(t *testing.T) {
		rec, err := Collect(600, []nvsmi.Reading{
			{Utilization: 42, MemoryUsedMiB: 1024, MemoryTotalMiB: 2048, Temperature: 70},
		})
		require.NoError(t, err)
		assert.Equal(t, Record{Step: 600, GPUUtilization: 42, VRAMUsage: 50, Temperature: 70, GPUCount: 1}, rec)
	})

	t.Run("last gpu wins", func(t *testing.T) {
		rec, err := Collect(0, []nvsmi.Reading{
			{Utilization: 10, MemoryUsedMiB: 10, MemoryTotalMiB: 100, Temperature: 30},
			{Utilization: 90, MemoryUsedMiB: 75, MemoryTotalMiB: 100, Temperature: 85},
		})
		require.NoError(t, err)
		assert.Equal(t, 90, rec.GPUUtilization)
		assert.Equal(t, 75, rec.VRAMUsage)
		assert.Equal(t, 85, rec.Temperature)
		assert.Equal(t, 2, rec.GPUCount)
	})

	t.Run("no gpus", func(t *testing.T) {
		_, err := Collect(0, nil)
		assert.ErrorIs(t, err, ErrNoGPUs)
	})
}

func TestRecord_Points(t *testing.T) {
	rec := Record{GPUUtilization: 42, VRAMUsage: 50, Temperature: 70}
	assert.Equal(t, []Point{
		{Tag: sink.TagMemoryAllocated, Value: 50},
		{Tag: sink.TagUtilization, Value: 42},
		{Tag: sink.TagTemperature, Value: 70},
	}, rec.Points())
}

func TestSampler_Sample(t *testing.T) {
	t.Run("single gpu", func(t *testing.T) {
		tool := &fakeTool{listing: listing, responses: []response{
			{out: queryXML(gpuXML("42 %", "1024 MiB", "2048 MiB", "70 C"))},
		}}
		s, _ := newTestSampler(t, tool, &recordingSink{}, FailurePolicySkip, nil)

		rec, err := s.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, rec.GPUUtilization)
		assert.Equal(t, 50, rec.VRAMUsage)
		assert.Equal(t, 70, rec.Temperature)
		assert.False(t, rec.TakenAt.IsZero())
	})

	t.Run("two gpus warn and keep the second", func(t *testing.T) {
		logs := &syncBuffer{}
		tool := &fakeTool{listing: listing, responses: []response{
			{out: queryXML(
				gpuXML("10 %", "100 MiB", "1000 MiB", "40 C"),
				gpuXML("95 %", "900 MiB", "1000 MiB", "81 C"),
			)},
		}}
		s, _ := newTestSampler(t, tool, &recordingSink{}, FailurePolicySkip, logs)

		rec, err := s.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 95, rec.GPUUtilization)
		assert.Equal(t, 90, rec.VRAMUsage)
		assert.Equal(t, 81, rec.Temperature)
		assert.Equal(t, 2, rec.GPUCount)

		assert.Contains(t, logs.String(), `"level":"warn"`)
		assert.Contains(t, logs.String(), "Only the last GPU's stats are collected")
	})

	t.Run("query error", func(t *testing.T) {
		tool := &fakeTool{listing: listing, responses: []response{{err: errors.New("signal: killed")}}}
		s, _ := newTestSampler(t, tool, &recordingSink{}, FailurePolicySkip, nil)

		_, err := s.Sample(context.Background())
		assert.ErrorContains(t, err, "signal: killed")
	})
}

func TestSampler_PublishesSeries(t *testing.T) {
	tool := &fakeTool{listing: listing, responses: []response{
		{out: queryXML(gpuXML("42 %", "1024 MiB", "2048 MiB", "70 C"))},
	}}
	out := &recordingSink{}
	s, _ := newTestSampler(t, tool, out, FailurePolicySkip, nil)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return out.published() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, s.Shutdown())

	_, scalars, _ := out.snapshot()
	assert.Equal(t, []sink.Scalar{
		{Tag: sink.TagMemoryAllocated, Value: 50, Step: 0},
		{Tag: sink.TagUtilization, Value: 42, Step: 0},
		{Tag: sink.TagTemperature, Value: 70, Step: 0},
	}, scalars)
}

func TestSampler_StepAdvancesByInterval(t *testing.T) {
	tool := &fakeTool{
		listing:   listing,
		responses: []response{{out: queryXML(gpuXML("42 %", "1024 MiB", "2048 MiB", "70 C"))}},
		delay:     20 * time.Millisecond,
	}
	out := &recordingSink{}
	s, wake := newTestSampler(t, tool, out, FailurePolicySkip, nil)

	require.NoError(t, s.Start())
	for tick := 1; tick <= 4; tick++ {
		require.Eventually(t, func() bool { return out.published() == 3*tick }, time.Second, time.Millisecond)
		if tick < 4 {
			wake <- time.Now()
		}
	}
	require.NoError(t, s.Shutdown())

	_, scalars, _ := out.snapshot()
	var steps []int64
	for i := 0; i < len(scalars); i += 3 {
		assert.Equal(t, scalars[i].Step, scalars[i+1].Step)
		assert.Equal(t, scalars[i].Step, scalars[i+2].Step)
		steps = append(steps, scalars[i].Step)
	}
	assert.Equal(t, []int64{0, 300, 600, 900}, steps)
	assert.Equal(t, int64(1200), s.Step())
	assert.Equal(t, int64(4), s.Ticks())
}

func TestSampler_ShutdownBeforeStart(t *testing.T) {
	out := &recordingSink{}
	tool := &fakeTool{listing: listing}
	s, _ := newTestSampler(t, tool, out, FailurePolicySkip, nil)

	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())

	events, _, closes := out.snapshot()
	assert.Equal(t, []string{"close"}, events)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, tool.queryCount())
	assert.False(t, s.Running())

	assert.ErrorIs(t, s.Start(), ErrClosed)
}

func TestSampler_ShutdownAfterStart(t *testing.T) {
	tool := &fakeTool{listing: listing, responses: []response{
		{out: queryXML(gpuXML("42 %", "1024 MiB", "2048 MiB", "70 C"))},
	}}
	out := &recordingSink{}
	s, wake := newTestSampler(t, tool, out, FailurePolicySkip, nil)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return out.published() == 3 }, time.Second, time.Millisecond)
	wake <- time.Now()
	require.Eventually(t, func() bool { return out.published() == 6 }, time.Second, time.Millisecond)
	assert.True(t, s.Running())

	require.NoError(t, s.Shutdown())
	assert.False(t, s.Running())

	select {
	case <-s.Done():
	default:
		t.Fatal("loop still running after Shutdown")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, tool.queryCount())

	events, _, closes := out.snapshot()
	assert.Equal(t, 1, closes)
	assert.Equal(t, "close", events[len(events)-1])
	assert.Len(t, events, 7)

	assert.NoError(t, s.Shutdown())
	_, _, closes = out.snapshot()
	assert.Equal(t, 1, closes)
}

func TestSampler_TemperatureNotAvailable(t *testing.T) {
	bad := response{out: queryXML(gpuXML("42 %", "1024 MiB", "2048 MiB", "N/A"))}
	good := response{out: queryXML(gpuXML("42 %", "1024 MiB", "2048 MiB", "70 C"))}

	t.Run("skip policy keeps sampling", func(t *testing.T) {
		logs := &syncBuffer{}
		tool := &fakeTool{listing: listing, responses: []response{bad, good}}
		out := &recordingSink{}
		s, wake := newTestSampler(t, tool, out, FailurePolicySkip, logs)

		require.NoError(t, s.Start())
		require.Eventually(t, func() bool { return s.FailedTicks() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, 0, out.published())

		wake <- time.Now()
		require.Eventually(t, func() bool { return out.published() == 3 }, time.Second, time.Millisecond)

		require.NoError(t, s.Shutdown())
		assert.False(t, s.Failed())
		assert.NoError(t, s.Err())

		_, scalars, closes := out.snapshot()
		assert.Equal(t, int64(0), scalars[0].Step, "failed ticks do not advance the step")
		assert.Equal(t, 1, closes)
		assert.Contains(t, logs.String(), "Sampling tick failed, skipping")
	})

	t.Run("stop policy ends the loop and reports", func(t *testing.T) {
		logs := &syncBuffer{}
		tool := &fakeTool{listing: listing, responses: []response{bad, good}}
		out := &recordingSink{}
		s, _ := newTestSampler(t, tool, out, FailurePolicyStop, logs)

		require.NoError(t, s.Start())
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("sampler did not stop after failed tick")
		}

		assert.True(t, s.Failed())
		assert.ErrorIs(t, s.Err(), nvsmi.ErrNotAvailable)
		assert.False(t, s.Running())

		err := s.Shutdown()
		assert.ErrorIs(t, err, nvsmi.ErrNotAvailable)

		events, _, closes := out.snapshot()
		assert.Equal(t, []string{"close"}, events)
		assert.Equal(t, 1, closes)
		assert.Equal(t, 1, tool.queryCount())
		assert.Contains(t, logs.String(), `"level":"error"`)
	})
}
