package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestFastTier(t *testing.T, clock *fakeClock, capacity int64, ttl time.Duration) *FastTier {
	t.Helper()
	tier, err := NewFastTier(FastTierConfig{
		CapacityBytes: capacity,
		MaxEntries:    1000,
		TTL:           ttl,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("NewFastTier failed: %v", err)
	}
	return tier
}

func TestNewFastTier(t *testing.T) {
	if _, err := NewFastTier(FastTierConfig{CapacityBytes: -1}); err == nil {
		t.Error("expected error for negative capacity")
	}

	tier, err := NewFastTier(FastTierConfig{CapacityBytes: 1024})
	if err != nil {
		t.Fatalf("NewFastTier failed: %v", err)
	}
	if tier.Capacity() != 1024 {
		t.Errorf("expected capacity 1024, got %d", tier.Capacity())
	}
	if tier.Len() != 0 || tier.Size() != 0 {
		t.Errorf("new tier should be empty, got len=%d size=%d", tier.Len(), tier.Size())
	}
}

func TestFastTierGetPut(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 1024, time.Hour)

	if _, ok := tier.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}

	tier.Put("k1", []byte(`{"x":1}`))
	data, ok := tier.Get("k1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if string(data) != `{"x":1}` {
		t.Errorf("unexpected value %s", data)
	}

	// Re-write replaces value and size
	tier.Put("k1", []byte(`{"x":22}`))
	data, _ = tier.Get("k1")
	if string(data) != `{"x":22}` {
		t.Errorf("expected rewritten value, got %s", data)
	}
	if tier.Size() != int64(len(`{"x":22}`)) {
		t.Errorf("size should track the latest value only, got %d", tier.Size())
	}

	tier.Delete("k1")
	if _, ok := tier.Get("k1"); ok {
		t.Error("expected miss after delete")
	}
	if tier.Size() != 0 {
		t.Errorf("expected size 0 after delete, got %d", tier.Size())
	}
}

func TestFastTierTTL(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 1024, 2*time.Second)

	tier.Put("k1", []byte(`{"x":1}`))

	clock.Advance(2 * time.Second)
	if _, ok := tier.Get("k1"); !ok {
		t.Error("entry exactly at TTL should still be valid")
	}

	clock.Advance(time.Second)
	if _, ok := tier.Get("k1"); ok {
		t.Error("expired entry must not be returned")
	}
	if tier.Len() != 0 {
		t.Errorf("expired entry should be removed on lookup, len=%d", tier.Len())
	}
	if expired, _ := tier.Evictions(); expired != 1 {
		t.Errorf("expected 1 expiration, got %d", expired)
	}
}

func TestFastTierRefreshOnRewrite(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 1024, 2*time.Second)

	tier.Put("k1", []byte(`1`))
	clock.Advance(time.Second + 500*time.Millisecond)
	tier.Put("k1", []byte(`2`))
	clock.Advance(time.Second + 500*time.Millisecond)

	if _, ok := tier.Get("k1"); !ok {
		t.Error("re-write should refresh the write timestamp")
	}
}

func TestFastTierPurgesExpiredOnPut(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 1024, time.Second)

	tier.Put("old1", payload(10))
	tier.Put("old2", payload(10))
	clock.Advance(2 * time.Second)
	tier.Put("new", payload(10))

	if tier.Len() != 1 {
		t.Errorf("expected expired entries purged on write, len=%d", tier.Len())
	}
	if tier.Size() != 10 {
		t.Errorf("expected size 10, got %d", tier.Size())
	}
}

func TestFastTierCapacityBound(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 100, time.Hour)

	for i := 0; i < 20; i++ {
		tier.Put(fmt.Sprintf("k%d", i), payload(30))
		if tier.Size() > tier.Capacity() {
			t.Fatalf("after put %d size %d exceeds capacity %d", i, tier.Size(), tier.Capacity())
		}
	}

	if tier.Len() != 3 {
		t.Errorf("expected 3 entries of 30 bytes under a 100 byte budget, got %d", tier.Len())
	}
	for _, key := range []string{"k17", "k18", "k19"} {
		if _, ok := tier.Get(key); !ok {
			t.Errorf("expected newest key %s to survive", key)
		}
	}
	if _, evicted := tier.Evictions(); evicted != 17 {
		t.Errorf("expected 17 evictions, got %d", evicted)
	}
}

func TestFastTierEvictsOldestWriteNotOldestRead(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 120, time.Hour)

	tier.Put("a", payload(40))
	tier.Put("b", payload(40))
	tier.Put("c", payload(40))

	// Reading a must not protect it from eviction
	if _, ok := tier.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}

	tier.Put("d", payload(40))

	if _, ok := tier.Get("a"); ok {
		t.Error("a was written first and should have been evicted")
	}
	for _, key := range []string{"b", "c", "d"} {
		if _, ok := tier.Get(key); !ok {
			t.Errorf("expected %s to remain", key)
		}
	}
}

func TestFastTierPutAtKeepsWriteOrder(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 30, time.Hour)

	t0 := clock.Now()
	clock.Advance(time.Second)
	tier.Put("b", payload(10))
	clock.Advance(time.Second)
	tier.Put("c", payload(10))
	clock.Advance(time.Second)

	// a was written before b and c, so it is the next to go
	tier.PutAt("a", payload(10), t0)
	tier.Put("d", payload(10))

	if _, ok := tier.Get("a"); ok {
		t.Error("a has the oldest write and should have been evicted")
	}
	for _, key := range []string{"b", "c", "d"} {
		if _, ok := tier.Get(key); !ok {
			t.Errorf("expected %s to remain", key)
		}
	}

	// A second overflow takes b, the next oldest write
	tier.Put("e", payload(10))
	if _, ok := tier.Get("b"); ok {
		t.Error("b should have been evicted after a")
	}
}

func TestFastTierOversizedEntry(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 50, time.Hour)

	tier.Put("small", payload(20))
	tier.Put("huge", payload(80))

	if tier.Size() > tier.Capacity() {
		t.Errorf("size %d exceeds capacity %d", tier.Size(), tier.Capacity())
	}
	if _, ok := tier.Get("huge"); ok {
		t.Error("an entry larger than the whole budget cannot be retained")
	}
}

func TestFastTierMaxEntries(t *testing.T) {
	tier, err := NewFastTier(FastTierConfig{CapacityBytes: 1 << 20, MaxEntries: 2, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewFastTier failed: %v", err)
	}

	tier.Put("a", payload(10))
	tier.Put("b", payload(20))
	tier.Put("c", payload(30))

	if tier.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", tier.Len())
	}
	if tier.Size() != 50 {
		t.Errorf("entry-count eviction should release bytes, size=%d", tier.Size())
	}
	if _, ok := tier.Get("a"); ok {
		t.Error("expected a to be evicted")
	}
}

func TestFastTierSetCapacity(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 100, time.Hour)

	for i := 0; i < 5; i++ {
		tier.Put(fmt.Sprintf("k%d", i), payload(20))
	}
	if tier.Len() != 5 {
		t.Fatalf("expected 5 entries, got %d", tier.Len())
	}

	tier.SetCapacity(40)
	if tier.Capacity() != 40 {
		t.Errorf("expected capacity 40, got %d", tier.Capacity())
	}
	if tier.Len() != 2 || tier.Size() != 40 {
		t.Errorf("expected 2 entries / 40 bytes after shrink, got %d / %d", tier.Len(), tier.Size())
	}

	tier.SetCapacity(-5)
	if tier.Capacity() != 0 {
		t.Errorf("capacity must never be negative, got %d", tier.Capacity())
	}
}

func TestFastTierPutAtKeepsWriteTime(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 1024, 10*time.Second)

	tier.Put("fresh", payload(10))
	tier.PutAt("promoted", payload(10), clock.Now().Add(-9*time.Second))

	clock.Advance(2 * time.Second)
	if _, ok := tier.Get("promoted"); ok {
		t.Error("promoted entry must expire relative to its original write time")
	}
	if _, ok := tier.Get("fresh"); !ok {
		t.Error("fresh entry should still be valid")
	}
}

func TestFastTierSweep(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 1024, 10*time.Second)

	tier.Put("a", payload(10))
	// Newer list position, older write time
	tier.PutAt("b", payload(10), clock.Now().Add(-8*time.Second))
	tier.Put("c", payload(10))

	clock.Advance(5 * time.Second)
	expired, evicted := tier.Sweep()
	if expired != 1 || evicted != 0 {
		t.Errorf("expected 1 expired 0 evicted, got %d %d", expired, evicted)
	}
	if tier.Len() != 2 {
		t.Errorf("expected 2 entries after sweep, got %d", tier.Len())
	}

	clock.Advance(10 * time.Second)
	expired, _ = tier.Sweep()
	if expired != 2 || tier.Len() != 0 || tier.Size() != 0 {
		t.Errorf("expected everything expired, got expired=%d len=%d size=%d", expired, tier.Len(), tier.Size())
	}
}

func TestFastTierClear(t *testing.T) {
	clock := newFakeClock()
	tier := newTestFastTier(t, clock, 1024, time.Hour)

	tier.Put("a", payload(10))
	tier.Put("b", payload(10))
	tier.Clear()
	tier.Clear()

	if tier.Len() != 0 || tier.Size() != 0 {
		t.Errorf("expected empty tier, got len=%d size=%d", tier.Len(), tier.Size())
	}
}

func TestFastTierConcurrentAccess(t *testing.T) {
	tier, err := NewFastTier(FastTierConfig{CapacityBytes: 4096, MaxEntries: 100, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewFastTier failed: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%50)
				tier.Put(key, payload(16+i%32))
				tier.Get(key)
				if i%50 == 0 {
					tier.Sweep()
				}
			}
		}(g)
	}
	wg.Wait()

	if tier.Size() > tier.Capacity() {
		t.Errorf("size %d exceeds capacity %d", tier.Size(), tier.Capacity())
	}
	if tier.Size() < 0 {
		t.Errorf("size accounting went negative: %d", tier.Size())
	}
}
