package monitor

import (
	"sync"
	"time"
)

// ResourceSample is one entry of the performance history
type ResourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	MemoryPercent float64   `json:"memory_percent"`
	CPUPercent    float64   `json:"cpu_percent"`
	DiskPercent   float64   `json:"disk_usage_percent"`
	CacheHitRatio float64   `json:"cache_hit_ratio"`
	TaskLatencyMs float64   `json:"task_time_ms"`
}

// History keeps the most recent samples, oldest first
type History struct {
	mu      sync.RWMutex
	samples []ResourceSample
	limit   int
}

// NewHistory creates a history bounded to limit samples
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{
		samples: make([]ResourceSample, 0, limit),
		limit:   limit,
	}
}

// Add appends a sample, dropping the oldest once the bound is reached
func (h *History) Add(s ResourceSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) == h.limit {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:len(h.samples)-1]
	}
	h.samples = append(h.samples, s)
}

// Len returns the number of samples held
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.samples)
}

// Latest returns the newest sample
func (h *History) Latest() (ResourceSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.samples) == 0 {
		return ResourceSample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Samples returns a copy of the history, oldest first
func (h *History) Samples() []ResourceSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ResourceSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Reset drops every sample
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = h.samples[:0]
}
