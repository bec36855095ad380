package cache

import (
	"context"
	"sync"

	"github.com/perfopt/perfopt/pkg/errors"
	"github.com/perfopt/perfopt/pkg/utils"
)

// Tier identifies where a lookup was served from
type Tier int

const (
	TierNone Tier = iota
	TierFast
	TierDurable
)

// String returns the tier name
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierDurable:
		return "durable"
	default:
		return "none"
	}
}

// Store is the two-tier cache: a FastTier in front of a DurableTier. The
// tiers are enforced independently and need not hold the same key set.
type Store struct {
	fast    *FastTier
	durable *DurableTier
	logger  *utils.StructuredLogger

	// clearMu makes Clear atomic with respect to lookups and writes: they
	// hold it shared, Clear holds it exclusively while emptying both tiers.
	clearMu sync.RWMutex
}

// SweepResult reports the work done by one sweep
type SweepResult struct {
	FastExpired    int
	FastEvicted    int
	DurableExpired int
	DurableEvicted int
}

// NewStore creates a two-tier store
func NewStore(fast *FastTier, durable *DurableTier, logger *utils.StructuredLogger) *Store {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Store{
		fast:    fast,
		durable: durable,
		logger:  logger.WithComponent("cache"),
	}
}

// Fast returns the fast tier
func (s *Store) Fast() *FastTier {
	return s.fast
}

// Durable returns the durable tier
func (s *Store) Durable() *DurableTier {
	return s.durable
}

// Get looks key up in the fast tier and then the durable tier. A durable hit
// is promoted into the fast tier with its original write time. Durable-tier
// failures are logged and reported as misses.
func (s *Store) Get(ctx context.Context, key string) ([]byte, Tier) {
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	if data, ok := s.fast.Get(key); ok {
		return data, TierFast
	}

	// The fast-tier lock is not held during durable I/O
	data, writtenAt, ok, err := s.durable.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Durable tier read failed", map[string]interface{}{
			"key":   key,
			"code":  string(errors.GetCode(err)),
			"error": err,
		})
		return nil, TierNone
	}
	if !ok {
		return nil, TierNone
	}

	s.fast.PutAt(key, data, writtenAt)
	s.logger.Trace("Promoted durable record", map[string]interface{}{
		"key": key,
	})
	return data, TierDurable
}

// Put writes data to the fast tier and then to the durable tier. The fast
// write always stands; a durable failure is returned to the caller.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	s.fast.Put(key, data)

	if err := s.durable.Put(ctx, key, data); err != nil {
		s.logger.Warn("Durable tier write failed", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return err
	}
	return nil
}

// Clear empties both tiers. The durable tier goes first; the fast tier is
// cleared even when that fails, and the error is returned.
func (s *Store) Clear(ctx context.Context) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	err := s.durable.Clear(ctx)
	s.fast.Clear()
	if err != nil {
		s.logger.Error("Failed to clear durable tier", map[string]interface{}{
			"error": err,
		})
		return err
	}

	s.logger.Info("Cache cleared")
	return nil
}

// Sweep applies TTL and budget enforcement to both tiers
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	res.FastExpired, res.FastEvicted = s.fast.Sweep()

	var err error
	res.DurableExpired, res.DurableEvicted, err = s.durable.Enforce(ctx)
	if err != nil {
		return res, err
	}

	if res.FastExpired+res.FastEvicted+res.DurableExpired+res.DurableEvicted > 0 {
		s.logger.Debug("Cache sweep completed", map[string]interface{}{
			"fast_expired":    res.FastExpired,
			"fast_evicted":    res.FastEvicted,
			"durable_expired": res.DurableExpired,
			"durable_evicted": res.DurableEvicted,
		})
	}
	return res, nil
}

// Counts returns the number of entries held by each tier
func (s *Store) Counts(ctx context.Context) (fast, durable int, err error) {
	fast = s.fast.Len()
	durable, err = s.durable.Len(ctx)
	return fast, durable, err
}
