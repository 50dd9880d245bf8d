package sink

import (
	"sort"
	"sync"
	"time"
)

// DefaultMemoryCapacity is the number of points kept per series.
const DefaultMemoryCapacity = 288

// Scalar is one stored observation.
type Scalar struct {
	Tag      string    `json:"tag"`
	Value    float64   `json:"value"`
	Step     int64     `json:"step"`
	WallTime time.Time `json:"wall_time"`
}

// Memory keeps the most recent points of every series in memory.
// It's safe for concurrent use by multiple goroutines
type Memory struct {
	mu       sync.RWMutex
	capacity int
	series   map[string][]Scalar
	closed   bool
	now      func() time.Time
}

// NewMemory creates a Memory sink holding at most capacity points per series.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		series:   make(map[string][]Scalar),
		now:      time.Now,
	}
}

// AddScalar implements Sink.AddScalar
func (m *Memory) AddScalar(tag string, value float64, step int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	points := append(m.series[tag], Scalar{
		Tag:      tag,
		Value:    value,
		Step:     step,
		WallTime: m.now(),
	})
	if len(points) > m.capacity {
		points = points[len(points)-m.capacity:]
	}
	m.series[tag] = points

	return nil
}

// Tags lists every series seen so far in lexical order.
func (m *Memory) Tags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags := make([]string, 0, len(m.series))
	for tag := range m.series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Series returns the stored points of tag with step >= fromStep, oldest first.
func (m *Memory) Series(tag string, fromStep int64) []Scalar {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Scalar
	for _, s := range m.series[tag] {
		if s.Step >= fromStep {
			result = append(result, s)
		}
	}
	return result
}

// Latest returns the newest point of tag.
func (m *Memory) Latest(tag string) (Scalar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := m.series[tag]
	if len(points) == 0 {
		return Scalar{}, false
	}
	return points[len(points)-1], true
}

// Close implements Sink.Close. Stored points stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
