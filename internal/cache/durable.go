package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perfopt/perfopt/pkg/errors"
	"github.com/perfopt/perfopt/pkg/utils"
)

// ErrRecordNotFound is returned by a RecordStore when a record does not exist
var ErrRecordNotFound = stderrors.New("record not found")

// Record describes one persisted record
type Record struct {
	Name    string
	ModTime time.Time
	Size    int64
}

// RecordStore persists named records. Implementations must be safe for
// concurrent use; Put must replace a record atomically so readers never see
// a partial write.
type RecordStore interface {
	Put(ctx context.Context, name string, data []byte, modTime time.Time) error
	Get(ctx context.Context, name string) ([]byte, time.Time, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
}

const (
	recordSuffix           = ".json"
	compressedRecordSuffix = ".json.gz"
)

// DurableTier is the persistent tier. It keeps no index of its own: the
// store's record modification times drive both expiry and eviction order.
type DurableTier struct {
	store       RecordStore
	capacity    int64
	ttl         time.Duration
	compression bool
	now         func() time.Time
	logger      *utils.StructuredLogger

	// enforceMu serializes capacity enforcement passes
	enforceMu sync.Mutex

	// clearedThrough is the UnixNano start of the last failed Clear, or 0.
	// Records written at or before it are treated as already cleared.
	clearedThrough atomic.Int64
}

// DurableTierConfig configures a DurableTier
type DurableTierConfig struct {
	CapacityBytes int64
	TTL           time.Duration
	Compression   bool
	Now           func() time.Time
	Logger        *utils.StructuredLogger
}

// NewDurableTier creates a durable tier over store
func NewDurableTier(store RecordStore, cfg DurableTierConfig) (*DurableTier, error) {
	if store == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if cfg.CapacityBytes < 0 {
		return nil, fmt.Errorf("durable tier capacity cannot be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewDiscardLogger()
	}

	return &DurableTier{
		store:       store,
		capacity:    cfg.CapacityBytes,
		ttl:         cfg.TTL,
		compression: cfg.Compression,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}, nil
}

// RecordName derives the record name for a cache key
func (d *DurableTier) RecordName(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:16])
	if d.compression {
		return name + compressedRecordSuffix
	}
	return name + recordSuffix
}

// Get loads the record for key. It returns the value, its write time and
// whether it was found. Expired and corrupt records are deleted and reported
// as misses; a corrupt record additionally yields a CACHE_CORRUPT error.
func (d *DurableTier) Get(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	name := d.RecordName(key)

	raw, modTime, err := d.store.Get(ctx, name)
	if err != nil {
		if stderrors.Is(err, ErrRecordNotFound) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, errors.Wrap(err, errors.ErrCodeCacheRead, "failed to read record").
			WithComponent("cache").WithOperation("durable_get").WithContext("record", name)
	}

	if d.isExpired(modTime) {
		d.remove(ctx, name)
		return nil, time.Time{}, false, nil
	}

	data, err := d.decode(raw)
	if err != nil {
		d.remove(ctx, name)
		return nil, time.Time{}, false, errors.Wrap(err, errors.ErrCodeCacheCorrupt, "corrupt record removed").
			WithComponent("cache").WithOperation("durable_get").WithContext("record", name)
	}

	return data, modTime, true, nil
}

// Put persists data for key and enforces the TTL and byte budget
func (d *DurableTier) Put(ctx context.Context, key string, data []byte) error {
	name := d.RecordName(key)

	raw, err := d.encode(data)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheSerialize, "failed to encode record").
			WithComponent("cache").WithOperation("durable_put").WithContext("record", name)
	}

	if err := d.store.Put(ctx, name, raw, d.now()); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheWrite, "failed to write record").
			WithComponent("cache").WithOperation("durable_put").WithContext("record", name)
	}

	if _, _, err := d.Enforce(ctx); err != nil {
		// The record itself was written; enforcement retries on the next put or sweep
		d.logger.Warn("Durable tier enforcement failed", map[string]interface{}{
			"error": err,
		})
	}
	return nil
}

// Enforce purges expired records and then deletes records oldest-first until
// the total size fits the byte budget.
func (d *DurableTier) Enforce(ctx context.Context) (expired, evicted int, err error) {
	d.enforceMu.Lock()
	defer d.enforceMu.Unlock()

	records, err := d.store.List(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrCodeCacheRead, "failed to list records").
			WithComponent("cache").WithOperation("enforce")
	}

	live := records[:0]
	var total int64
	for _, r := range records {
		if d.isExpired(r.ModTime) {
			if d.remove(ctx, r.Name) {
				expired++
			}
			continue
		}
		live = append(live, r)
		total += r.Size
	}

	if total <= d.capacity {
		return expired, 0, nil
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].ModTime.Before(live[j].ModTime)
	})
	for _, r := range live {
		if total <= d.capacity {
			break
		}
		if d.remove(ctx, r.Name) {
			total -= r.Size
			evicted++
		}
	}

	if expired > 0 || evicted > 0 {
		d.logger.Debug("Durable tier enforced", map[string]interface{}{
			"expired": expired,
			"evicted": evicted,
			"bytes":   total,
		})
	}
	return expired, evicted, nil
}

// Len returns the number of persisted records, not counting those left
// behind by a failed Clear
func (d *DurableTier) Len(ctx context.Context) (int, error) {
	records, err := d.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeCacheRead, "failed to list records").
			WithComponent("cache").WithOperation("len")
	}
	n := 0
	for _, r := range records {
		if !d.isCleared(r.ModTime) {
			n++
		}
	}
	return n, nil
}

// Delete removes the record for key
func (d *DurableTier) Delete(ctx context.Context, key string) error {
	if err := d.store.Delete(ctx, d.RecordName(key)); err != nil && !stderrors.Is(err, ErrRecordNotFound) {
		return errors.Wrap(err, errors.ErrCodeCacheWrite, "failed to delete record").
			WithComponent("cache").WithOperation("durable_delete")
	}
	return nil
}

// Clear removes every record. When the store fails partway, the records it
// left behind are hidden from Get and Len and purged by the next Enforce, so
// a failed clear never brings old values back.
func (d *DurableTier) Clear(ctx context.Context) error {
	d.enforceMu.Lock()
	defer d.enforceMu.Unlock()

	started := d.now()
	if err := d.store.Clear(ctx); err != nil {
		d.clearedThrough.Store(started.UnixNano())
		return errors.Wrap(err, errors.ErrCodeCacheClear, "failed to clear durable tier").
			WithComponent("cache").WithOperation("clear")
	}
	d.clearedThrough.Store(0)
	return nil
}

// Capacity returns the byte budget
func (d *DurableTier) Capacity() int64 {
	return d.capacity
}

func (d *DurableTier) remove(ctx context.Context, name string) bool {
	err := d.store.Delete(ctx, name)
	if err == nil || stderrors.Is(err, ErrRecordNotFound) {
		return err == nil
	}
	d.logger.Warn("Failed to delete record", map[string]interface{}{
		"record": name,
		"error":  err,
	})
	return false
}

func (d *DurableTier) isExpired(modTime time.Time) bool {
	if d.isCleared(modTime) {
		return true
	}
	return d.ttl > 0 && d.now().Sub(modTime) > d.ttl
}

func (d *DurableTier) isCleared(modTime time.Time) bool {
	through := d.clearedThrough.Load()
	return through != 0 && !modTime.After(time.Unix(0, through))
}

func (d *DurableTier) encode(data []byte) ([]byte, error) {
	if !d.compression {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode reverses encode and checks that the payload is well-formed JSON
func (d *DurableTier) decode(raw []byte) ([]byte, error) {
	data := raw
	if d.compression {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("record is not valid JSON")
	}
	return data, nil
}
