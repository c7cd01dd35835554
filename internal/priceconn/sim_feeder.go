package priceconn

import (
	"context"
	"sync"
	"time"
)

// SimFeeder is a polling, in-process substitute for a real exchange feed;
// cmd/server runs it as the engine's feeder. Prices are set directly by the caller
// (SetPrice) rather than fetched from any network source.
type SimFeeder struct {
	mu     sync.RWMutex
	prices map[string]float64
	period time.Duration
}

// NewSimFeeder creates a SimFeeder that re-emits its current price table
// every period.
func NewSimFeeder(period time.Duration) *SimFeeder {
	if period <= 0 {
		period = time.Second
	}
	return &SimFeeder{prices: make(map[string]float64), period: period}
}

// SetPrice installs the latest simulated price for symbol.
func (f *SimFeeder) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

// Ticks implements Feeder.
func (f *SimFeeder) Ticks(ctx context.Context) (<-chan Tick, error) {
	out := make(chan Tick, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(f.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.mu.RLock()
				snapshot := make(map[string]float64, len(f.prices))
				for k, v := range f.prices {
					snapshot[k] = v
				}
				f.mu.RUnlock()
				for symbol, price := range snapshot {
					select {
					case out <- Tick{Symbol: symbol, Price: price}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
