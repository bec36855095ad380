package optimizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perfopt/perfopt/internal/cache"
	"github.com/perfopt/perfopt/pkg/errors"
)

// Operation statuses
const (
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

// ClearResult reports the outcome of ClearCache
type ClearResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// GetFromCache returns the JSON value stored under key and whether it was
// found. The fast tier is consulted first; a durable hit is promoted. Tier
// I/O failures are logged and reported as a miss. With caching disabled
// every lookup misses and nothing is counted.
func (o *Optimizer) GetFromCache(ctx context.Context, key string) ([]byte, bool) {
	if o.store == nil {
		return nil, false
	}

	data, tier := o.store.Get(ctx, key)
	switch tier {
	case cache.TierFast:
		o.stats.RecordFastHit()
	case cache.TierDurable:
		o.stats.RecordDurableHit()
	default:
		o.stats.RecordMiss()
		return nil, false
	}

	o.logger.Trace("Cache hit", map[string]interface{}{
		"key":  key,
		"tier": tier.String(),
	})
	return data, true
}

// PutInCache serializes value as JSON and writes it to both tiers. It
// returns false when caching is disabled, when value cannot be serialized,
// or when the durable write fails; in the last case the fast tier still
// holds the value.
func (o *Optimizer) PutInCache(ctx context.Context, key string, value any) bool {
	if o.store == nil {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		o.logger.Warn("Cache value is not serializable", map[string]interface{}{
			"key":   key,
			"error": errors.Wrap(err, errors.ErrCodeCacheSerialize, "failed to encode value").Error(),
		})
		return false
	}

	if err := o.store.Put(ctx, key, data); err != nil {
		o.logger.Warn("Durable cache write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
			"code":  string(errors.GetCode(err)),
		})
		return false
	}
	return true
}

// ClearCache empties both tiers. Counters are left untouched.
func (o *Optimizer) ClearCache(ctx context.Context) ClearResult {
	if o.store != nil {
		if err := o.store.Clear(ctx); err != nil {
			o.logger.Error("Failed to clear cache", map[string]interface{}{
				"error": err.Error(),
			})
			return ClearResult{
				Status:  StatusError,
				Message: fmt.Sprintf("Error clearing cache: %v", err),
			}
		}
	}

	o.logger.Info("Cache cleared", nil)
	return ClearResult{Status: StatusSuccess, Message: "Cache cleared successfully"}
}

// GetAs looks key up and decodes the cached JSON into T. A value that does
// not decode into T is reported as a CACHE_CORRUPT error.
func GetAs[T any](ctx context.Context, o *Optimizer, key string) (T, bool, error) {
	var value T
	data, ok := o.GetFromCache(ctx, key)
	if !ok {
		return value, false, nil
	}
	if err := json.Unmarshal(data, &value); err != nil {
		var zero T
		return zero, false, errors.Wrap(err, errors.ErrCodeCacheCorrupt,
			fmt.Sprintf("cached value for %q does not decode into %T", key, value)).
			WithComponent("optimizer").WithOperation("get")
	}
	return value, true, nil
}

// GetOrCompute returns the cached value for key, or runs compute, caches its
// result and returns it. The boolean reports whether the value came from the
// cache. Concurrent misses on one key share a single compute call. A compute
// error is returned and nothing is cached.
func GetOrCompute[T any](ctx context.Context, o *Optimizer, key string, compute func(context.Context) (T, error)) (T, bool, error) {
	if value, ok, err := GetAs[T](ctx, o, key); err == nil && ok {
		return value, true, nil
	} else if err != nil {
		o.logger.Debug("Ignoring undecodable cached value", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	shared, err, _ := o.flights.Do(key, func() (interface{}, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		o.PutInCache(ctx, key, value)
		return value, nil
	})

	var zero T
	if err != nil {
		return zero, false, err
	}
	if shared == nil {
		return zero, false, nil
	}
	value, ok := shared.(T)
	if !ok {
		return zero, false, errors.Newf(errors.ErrCodeInternalError,
			"concurrent computations of %q produced %T, want %T", key, shared, zero).
			WithComponent("optimizer").WithOperation("get_or_compute")
	}
	return value, false, nil
}
