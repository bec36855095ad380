package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestStatsHitsAndMisses(t *testing.T) {
	s := NewStats()

	if got := s.HitRatio(); got != 0 {
		t.Errorf("HitRatio() with no lookups = %v, want 0", got)
	}

	s.RecordFastHit()
	s.RecordFastHit()
	s.RecordDurableHit()
	s.RecordMiss()

	snap := s.Snapshot()
	if snap.CacheHits != 3 {
		t.Errorf("CacheHits = %d, want 3", snap.CacheHits)
	}
	if snap.FastHits != 2 || snap.DurableHits != 1 {
		t.Errorf("tier hits = %d/%d, want 2/1", snap.FastHits, snap.DurableHits)
	}
	if snap.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", snap.CacheMisses)
	}
	if got := snap.HitRatio(); got != 0.75 {
		t.Errorf("HitRatio() = %v, want 0.75", got)
	}
}

func TestStatsWeightedAverage(t *testing.T) {
	s := NewStats()

	// 3 items at 10ms each, then 7 items at 20ms each
	s.RecordBatch(3, 0, 30*time.Millisecond)
	if got := s.Snapshot().AverageTaskTimeMs; math.Abs(got-10) > 1e-9 {
		t.Fatalf("average after first batch = %v, want 10", got)
	}

	s.RecordBatch(7, 1, 140*time.Millisecond)
	snap := s.Snapshot()

	want := (3*10.0 + 7*20.0) / 10
	if math.Abs(snap.AverageTaskTimeMs-want) > 1e-9 {
		t.Errorf("average = %v, want weighted mean %v", snap.AverageTaskTimeMs, want)
	}
	if math.Abs(snap.AverageTaskTimeMs-15) < 1e-9 {
		t.Error("average must not be the mean of the batch means")
	}
	if snap.TotalTasks != 10 || snap.TasksCompleted != 10 {
		t.Errorf("task counters = %d/%d, want 10/10", snap.TotalTasks, snap.TasksCompleted)
	}
	if snap.TaskErrors != 1 {
		t.Errorf("TaskErrors = %d, want 1", snap.TaskErrors)
	}
	if snap.Batches != 2 {
		t.Errorf("Batches = %d, want 2", snap.Batches)
	}
}

func TestStatsIgnoresEmptyBatch(t *testing.T) {
	s := NewStats()
	s.RecordBatch(0, 0, time.Second)

	snap := s.Snapshot()
	if snap.TotalTasks != 0 || snap.AverageTaskTimeMs != 0 || snap.Batches != 0 {
		t.Errorf("empty batch should not change stats: %+v", snap)
	}
}

func TestStatsAdjustmentsAndReset(t *testing.T) {
	s := NewStats()
	s.RecordAdjustment()
	s.RecordAdjustment()
	s.RecordMiss()
	s.RecordBatch(2, 0, 10*time.Millisecond)

	if got := s.Snapshot().AdaptiveAdjustments; got != 2 {
		t.Errorf("AdaptiveAdjustments = %d, want 2", got)
	}

	s.Reset()
	if snap := s.Snapshot(); snap != (Snapshot{}) {
		t.Errorf("Reset() left %+v", snap)
	}
}

func TestStatsConcurrentUpdates(t *testing.T) {
	s := NewStats()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordFastHit()
				s.RecordMiss()
				s.RecordBatch(1, 0, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.CacheHits != 1000 || snap.CacheMisses != 1000 || snap.TotalTasks != 1000 {
		t.Errorf("lost updates: %+v", snap)
	}
	if math.Abs(snap.AverageTaskTimeMs-1) > 1e-9 {
		t.Errorf("average = %v, want 1", snap.AverageTaskTimeMs)
	}
}
