package sink

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes the latest value and step of each series as gauges.
type Prometheus struct {
	registerer prometheus.Registerer
	values     *prometheus.GaugeVec
	steps      *prometheus.GaugeVec

	mu     sync.Mutex
	closed bool
}

// NewPrometheus registers the series gauges on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		registerer: reg,
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpustats_series_value",
			Help: "Latest value published for a GPU series.",
		}, []string{"series"}),
		steps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpustats_series_step",
			Help: "Time index of the latest value published for a GPU series.",
		}, []string{"series"}),
	}

	if err := reg.Register(p.values); err != nil {
		return nil, fmt.Errorf("failed to register series values: %w", err)
	}
	if err := reg.Register(p.steps); err != nil {
		reg.Unregister(p.values)
		return nil, fmt.Errorf("failed to register series steps: %w", err)
	}

	return p, nil
}

// AddScalar implements Sink.AddScalar
func (p *Prometheus) AddScalar(tag string, value float64, step int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.values.WithLabelValues(tag).Set(value)
	p.steps.WithLabelValues(tag).Set(float64(step))
	return nil
}

// Close implements Sink.Close by removing the gauges from the registry.
func (p *Prometheus) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.registerer.Unregister(p.values)
	p.registerer.Unregister(p.steps)
	return nil
}
