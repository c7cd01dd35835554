package priceconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"recoengine/internal/clock"
	"recoengine/internal/engineerr"
	"recoengine/internal/logging"
)

type entry struct {
	price float64
	ts    time.Time
}

type override struct {
	price   float64
	expires time.Time
}

// Mirror is the subset of cache.CacheService the Feed uses to write each
// override to Redis; the Feed never reads overrides back from it, so other
// process instances do not see them. Kept as an interface here so
// priceconn does not import the cache package directly.
type Mirror interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Feed is the per-symbol latest-price map described by C3: it consumes
// ticks from a Feeder, keeps the latest real tick per symbol, and layers a
// TTL'd test-time override on top when permitted.
type Feed struct {
	mu        sync.RWMutex
	latest    map[string]entry
	overrides map[string]override

	clock  clock.Clock
	mirror Mirror
}

// NewFeed creates an empty Feed. Call Consume to start reading from a
// Feeder, or drive it directly in tests via Ingest.
func NewFeed(c clock.Clock, mirror Mirror) *Feed {
	return &Feed{
		latest:    make(map[string]entry),
		overrides: make(map[string]override),
		clock:     c,
		mirror:    mirror,
	}
}

// Consume reads ticks from f until the feeder's channel closes or ctx is
// cancelled.
func (f *Feed) Consume(ctx context.Context, feeder Feeder) error {
	ticks, err := feeder.Ticks(ctx)
	if err != nil {
		return fmt.Errorf("consume price feed: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			f.Ingest(t)
		}
	}
}

// Ingest records a single real tick.
func (f *Feed) Ingest(t Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[t.Symbol] = entry{price: t.Price, ts: f.clock.Now()}
}

// Get returns the override if live, else the latest real tick, else
// engineerr.ErrNoPrice.
func (f *Feed) Get(symbol string) (float64, error) {
	now := f.clock.Now()

	f.mu.RLock()
	defer f.mu.RUnlock()

	if ov, ok := f.overrides[symbol]; ok && now.Before(ov.expires) {
		return ov.price, nil
	}
	if e, ok := f.latest[symbol]; ok {
		return e.price, nil
	}
	return 0, fmt.Errorf("price for %s: %w", symbol, engineerr.ErrNoPrice)
}

// Override installs a test-time value that expires after ttl. Only
// accepted when allowOverride is true (RuntimeConfig.Testing.AllowPriceOverride).
func (f *Feed) Override(ctx context.Context, symbol string, price float64, ttl time.Duration, allowOverride bool) error {
	if !allowOverride {
		return fmt.Errorf("override %s: %w", symbol, engineerr.ErrPriceOverrideDisallowed)
	}

	expires := f.clock.Now().Add(ttl)
	f.mu.Lock()
	f.overrides[symbol] = override{price: price, expires: expires}
	f.mu.Unlock()

	if f.mirror != nil {
		key := fmt.Sprintf("price:override:%s", symbol)
		if err := f.mirror.SetJSON(ctx, key, map[string]interface{}{
			"price":   price,
			"expires": expires,
		}, ttl); err != nil {
			logging.Default().WithComponent("priceconn").WithError(err).Warn("failed to mirror price override to redis")
		}
	}
	return nil
}

// Clear removes the override for symbol, or for every symbol when symbol
// is empty.
func (f *Feed) Clear(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol == "" {
		f.overrides = make(map[string]override)
		return
	}
	delete(f.overrides, symbol)
}
