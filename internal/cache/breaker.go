package cache

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned instead of calling a store whose breaker is open
var ErrBreakerOpen = stderrors.New("durable store circuit is open")

// BreakerConfig configures a Breaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before a probe
	OpenTimeout time.Duration

	OnStateChange func(from, to gobreaker.State)
}

// BreakerCounts holds the breaker's call counters
type BreakerCounts struct {
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Rejected            uint64 `json:"rejected"`
}

// Breaker stops calls to a failing backend so a dead durable tier costs a
// fast miss instead of a slow timeout on every lookup.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	rejected atomic.Uint64
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		// Not-found and cancellation say nothing about backend health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				stderrors.Is(err, ErrRecordNotFound) ||
				stderrors.Is(err, context.Canceled)
		},
	}
	if config.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			config.OnStateChange(from, to)
		}
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn if the breaker allows it
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		return ErrBreakerOpen
	}
	return err
}

// State returns the current state
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns the counters of the current state
func (b *Breaker) Counts() BreakerCounts {
	c := b.cb.Counts()
	return BreakerCounts{
		Requests:            c.Requests,
		TotalFailures:       c.TotalFailures,
		ConsecutiveFailures: c.ConsecutiveFailures,
		Rejected:            b.rejected.Load(),
	}
}

// GuardedStore is a RecordStore whose calls pass through a Breaker
type GuardedStore struct {
	store   RecordStore
	breaker *Breaker
}

// NewGuardedStore wraps store with breaker
func NewGuardedStore(store RecordStore, breaker *Breaker) *GuardedStore {
	return &GuardedStore{store: store, breaker: breaker}
}

// Breaker returns the store's breaker
func (g *GuardedStore) Breaker() *Breaker {
	return g.breaker
}

func (g *GuardedStore) Put(ctx context.Context, name string, data []byte, modTime time.Time) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Put(ctx, name, data, modTime)
	})
}

func (g *GuardedStore) Get(ctx context.Context, name string) ([]byte, time.Time, error) {
	var (
		data    []byte
		modTime time.Time
	)
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, modTime, err = g.store.Get(ctx, name)
		return err
	})
	return data, modTime, err
}

func (g *GuardedStore) Delete(ctx context.Context, name string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Delete(ctx, name)
	})
}

func (g *GuardedStore) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		records, err = g.store.List(ctx)
		return err
	})
	return records, err
}

func (g *GuardedStore) Clear(ctx context.Context) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Clear(ctx)
	})
}
