package metrics

import (
	"sync"
	"time"
)

// Stats holds the optimizer's running counters. Counters that are updated
// together are guarded by one mutex so a Snapshot is never torn.
type Stats struct {
	mu sync.Mutex

	fastHits    int64
	durableHits int64
	cacheMisses int64

	tasksCompleted int64
	totalTasks     int64
	taskErrors     int64
	// averageTaskMs is the per-item running average over totalTasks
	averageTaskMs float64
	batches       int64

	adjustments int64
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	CacheHits           int64   `json:"cache_hits"`
	CacheMisses         int64   `json:"cache_misses"`
	FastHits            int64   `json:"fast_hits"`
	DurableHits         int64   `json:"durable_hits"`
	TasksCompleted      int64   `json:"parallel_tasks_completed"`
	TotalTasks          int64   `json:"total_tasks"`
	TaskErrors          int64   `json:"task_errors"`
	Batches             int64   `json:"batches"`
	AverageTaskTimeMs   float64 `json:"average_task_time_ms"`
	AdaptiveAdjustments int64   `json:"adaptive_adjustments"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup
func (s Snapshot) HitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// NewStats creates zeroed stats
func NewStats() *Stats {
	return &Stats{}
}

// RecordFastHit counts a hit served by the fast tier
func (s *Stats) RecordFastHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fastHits++
}

// RecordDurableHit counts a hit served by the durable tier
func (s *Stats) RecordDurableHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durableHits++
}

// RecordMiss counts a lookup that found nothing
func (s *Stats) RecordMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheMisses++
}

// RecordBatch folds a finished batch of n items that took elapsed wall-clock
// time into the running per-item average:
//
//	avg' = (avg*(N-n) + (elapsed/n)*n) / N,  N = totalTasks after the batch
//
// which equals the mean over every item recorded so far.
func (s *Stats) RecordBatch(n, failed int, elapsed time.Duration) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := float64(s.totalTasks)
	s.tasksCompleted += int64(n)
	s.totalTasks += int64(n)
	s.taskErrors += int64(failed)
	s.batches++

	batchMs := float64(elapsed) / float64(time.Millisecond)
	s.averageTaskMs = (s.averageTaskMs*prior + batchMs) / float64(s.totalTasks)
}

// RecordAdjustment counts one adaptive controller adjustment
func (s *Stats) RecordAdjustment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjustments++
}

// Snapshot returns a consistent copy of all counters
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CacheHits:           s.fastHits + s.durableHits,
		CacheMisses:         s.cacheMisses,
		FastHits:            s.fastHits,
		DurableHits:         s.durableHits,
		TasksCompleted:      s.tasksCompleted,
		TotalTasks:          s.totalTasks,
		TaskErrors:          s.taskErrors,
		Batches:             s.batches,
		AverageTaskTimeMs:   s.averageTaskMs,
		AdaptiveAdjustments: s.adjustments,
	}
}

// HitRatio returns the current cache hit ratio
func (s *Stats) HitRatio() float64 {
	return s.Snapshot().HitRatio()
}

// Reset zeroes every counter
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fastHits, s.durableHits, s.cacheMisses = 0, 0, 0
	s.tasksCompleted, s.totalTasks, s.taskErrors, s.batches = 0, 0, 0, 0
	s.averageTaskMs = 0
	s.adjustments = 0
}
