package telemetry

import (
	"errors"
	"time"

	"github.com/sreeram77/gpu-stats/internal/nvsmi"
	"github.com/sreeram77/gpu-stats/internal/sink"
)

// ErrNoGPUs is returned when a query lists no GPU elements at all.
var ErrNoGPUs = errors.New("query output contains no gpu elements")

// Record is one snapshot of GPU state, published once and then dropped.
type Record struct {
	Step           int64     `json:"time_period"`
	GPUUtilization int       `json:"gpu_utilization"`
	VRAMUsage      int       `json:"gpu_vram_usage"`
	Temperature    int       `json:"gpu_temperature"`
	GPUCount       int       `json:"gpu_count"`
	TakenAt        time.Time `json:"taken_at"`
}

// Point is a single named value of a Record.
type Point struct {
	Tag   string
	Value float64
}

// Points returns the record's series values in publish order.
func (r Record) Points() []Point {
	return []Point{
		{Tag: sink.TagMemoryAllocated, Value: float64(r.VRAMUsage)},
		{Tag: sink.TagUtilization, Value: float64(r.GPUUtilization)},
		{Tag: sink.TagTemperature, Value: float64(r.Temperature)},
	}
}

// Collect folds per-GPU readings into one Record. When several GPUs are
// present every later reading overwrites the earlier ones, so the record
// holds the last GPU's values and GPUCount says how many were seen.
func Collect(step int64, readings []nvsmi.Reading) (Record, error) {
	if len(readings) == 0 {
		return Record{}, ErrNoGPUs
	}

	rec := Record{Step: step}
	for _, r := range readings {
		rec.GPUUtilization = r.Utilization
		rec.VRAMUsage = r.MemoryPercent()
		rec.Temperature = r.Temperature
		rec.GPUCount++
	}
	return rec, nil
}

// StatsSampler defines the lifecycle of the background sampler
type StatsSampler interface {
	// Start launches the sampling loop
	Start() error
	// Shutdown stops the loop after its current tick and waits for it
	Shutdown() error
}
