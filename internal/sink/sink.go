package sink

import (
	"errors"
	"sync"
)

// Series names written on every tick.
const (
	TagMemoryAllocated = "System/GPU Memory Allocated (%)"
	TagUtilization     = "System/GPU Utilization (%)"
	TagTemperature     = "System/temperature (C)"
)

// ErrClosed is returned when writing to a sink after Close.
var ErrClosed = errors.New("sink closed")

// Sink receives named scalar observations keyed by a time index.
type Sink interface {
	// AddScalar records value for tag at step
	AddScalar(tag string, value float64, step int64) error
	// Close flushes and releases underlying resources
	Close() error
}

// Multi fans every scalar out to a fixed set of sinks.
type Multi struct {
	sinks     []Sink
	closeOnce sync.Once
	closeErr  error
}

// NewMulti creates a Multi over the given sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// AddScalar writes to every sink, even if an earlier one fails.
func (m *Multi) AddScalar(tag string, value float64, step int64) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.AddScalar(tag, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink once. Safe for repeated use.
func (m *Multi) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		for _, s := range m.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
