package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// FastTier is the in-process tier. Entries are ordered by write time: reads
// use Peek so they never refresh an entry, writes go to the front, and
// promotions from the durable tier are slotted in by their original write
// time.
type FastTier struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, *fastEntry]
	size     int64
	capacity int64
	ttl      time.Duration
	now      func() time.Time

	expired int64
	evicted int64
}

// fastEntry is a serialized value with its write timestamp
type fastEntry struct {
	data      []byte
	writtenAt time.Time
}

// FastTierConfig configures a FastTier
type FastTierConfig struct {
	CapacityBytes int64
	MaxEntries    int
	TTL           time.Duration
	Now           func() time.Time
}

// NewFastTier creates a new fast tier
func NewFastTier(cfg FastTierConfig) (*FastTier, error) {
	if cfg.CapacityBytes < 0 {
		return nil, fmt.Errorf("fast tier capacity cannot be negative")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	t := &FastTier{
		capacity: cfg.CapacityBytes,
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}

	entries, err := simplelru.NewLRU[string, *fastEntry](cfg.MaxEntries, func(_ string, e *fastEntry) {
		t.size -= int64(len(e.data))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fast tier: %w", err)
	}
	t.entries = entries

	return t, nil
}

// Get returns the value stored under key. An expired entry is removed and
// reported as a miss.
func (t *FastTier) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries.Peek(key)
	if !ok {
		return nil, false
	}
	if t.isExpired(e) {
		t.entries.Remove(key)
		t.expired++
		return nil, false
	}
	return e.data, true
}

// Put stores data under key with the current time and enforces the TTL and
// byte budget.
func (t *FastTier) Put(key string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.put(key, data, t.now())
	t.enforce()
}

// PutAt stores data under key with an explicit write time. Promotions from
// the durable tier keep the record's original write time so that promotion
// never extends a value's lifetime.
func (t *FastTier) PutAt(key string, data []byte, writtenAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.put(key, data, writtenAt)
	t.reorderAfter(key, writtenAt)
	t.enforce()
}

// reorderAfter moves every entry written after writtenAt in front of key so
// that list order stays write order. Add on an existing key only moves it to
// the front. Must be called with mu held.
func (t *FastTier) reorderAfter(key string, writtenAt time.Time) {
	for _, k := range t.entries.Keys() {
		if k == key {
			continue
		}
		if e, ok := t.entries.Peek(k); ok && e.writtenAt.After(writtenAt) {
			t.entries.Add(k, e)
		}
	}
}

// put must be called with mu held
func (t *FastTier) put(key string, data []byte, writtenAt time.Time) {
	if old, ok := t.entries.Peek(key); ok {
		// Add on an existing key replaces it without the eviction callback
		t.size -= int64(len(old.data))
	}
	t.entries.Add(key, &fastEntry{data: data, writtenAt: writtenAt})
	t.size += int64(len(data))
}

// Delete removes key if present
func (t *FastTier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Remove(key)
}

// Sweep purges every expired entry and evicts down to the byte budget. It
// returns the number of expired and evicted entries.
func (t *FastTier) Sweep() (expired, evicted int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Also catches entries whose TTL lapsed while the clock was moved back
	for _, key := range t.entries.Keys() {
		if e, ok := t.entries.Peek(key); ok && t.isExpired(e) {
			t.entries.Remove(key)
			expired++
		}
	}
	t.expired += int64(expired)

	more, evicted := t.enforce()
	return expired + more, evicted
}

// enforce must be called with mu held
func (t *FastTier) enforce() (expired, evicted int) {
	// List order is write order, so expired entries form the oldest prefix
	for {
		_, e, ok := t.entries.GetOldest()
		if !ok || !t.isExpired(e) {
			break
		}
		t.entries.RemoveOldest()
		expired++
	}

	for t.size > t.capacity && t.entries.Len() > 0 {
		t.entries.RemoveOldest()
		evicted++
	}

	t.expired += int64(expired)
	t.evicted += int64(evicted)
	return expired, evicted
}

// SetCapacity changes the byte budget and evicts down to it
func (t *FastTier) SetCapacity(capacity int64) {
	if capacity < 0 {
		capacity = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacity = capacity
	t.enforce()
}

// Capacity returns the current byte budget
func (t *FastTier) Capacity() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity
}

// Size returns the approximate number of bytes held
func (t *FastTier) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Len returns the number of entries, expired ones included until swept
func (t *FastTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// Clear removes every entry
func (t *FastTier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Purge()
	t.size = 0
}

// Evictions returns the lifetime counts of TTL expirations and budget evictions
func (t *FastTier) Evictions() (expired, evicted int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired, t.evicted
}

func (t *FastTier) isExpired(e *fastEntry) bool {
	return t.ttl > 0 && t.now().Sub(e.writtenAt) > t.ttl
}
