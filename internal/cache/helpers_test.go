package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// payload returns a JSON document of exactly n bytes
func payload(n int) []byte {
	if n < 2 {
		panic("payload needs at least 2 bytes")
	}
	b := make([]byte, n)
	b[0] = '"'
	for i := 1; i < n-1; i++ {
		b[i] = 'x'
	}
	b[n-1] = '"'
	return b
}

func newTestStore(t *testing.T, clock *fakeClock, fastCap, durableCap int64, ttl time.Duration) *Store {
	t.Helper()

	fast, err := NewFastTier(FastTierConfig{
		CapacityBytes: fastCap,
		MaxEntries:    1000,
		TTL:           ttl,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("NewFastTier failed: %v", err)
	}

	dir, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}
	durable, err := NewDurableTier(dir, DurableTierConfig{
		CapacityBytes: durableCap,
		TTL:           ttl,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("NewDurableTier failed: %v", err)
	}

	return NewStore(fast, durable, nil)
}

// failingStore is a RecordStore whose writes always fail
type failingStore struct {
	RecordStore
}

func (f failingStore) Put(context.Context, string, []byte, time.Time) error {
	return fmt.Errorf("disk full")
}

// clearFailingStore is a RecordStore whose Clear fails before removing anything
type clearFailingStore struct {
	RecordStore
}

func (clearFailingStore) Clear(context.Context) error {
	return fmt.Errorf("disk busy")
}
