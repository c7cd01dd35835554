// Package exposure is the Exposure Index (C6): an in-memory aggregate of
// active positions per symbol/direction over the concurrency window,
// mutated only by the admission controller (on admit) and the lifecycle
// tracker (on close). On restart it is rebuilt from the store's
// list_active rows.
//
// Grounded on the teacher's orders.PositionTracker in-memory cache
// (rebuilt at startup via LoadActivePositions, guarded by sync.RWMutex)
// and the daily-counter reset pattern shared by risk.Manager.checkDailyReset
// and circuit.CircuitBreaker.resetCountersIfNeeded
// (time.Now().Truncate(24*time.Hour) comparison), reused here for the
// hourly order caps.
package exposure

import (
	"sync"
	"time"

	"recoengine/internal/clock"
	"recoengine/internal/store"
)

// Position is the minimal shape the index tracks per active recommendation.
type Position struct {
	ID           string
	Symbol       string
	Direction    store.Direction
	PositionSize float64
	Leverage     float64
	CreatedAt    time.Time
}

// Key groups positions by symbol+direction.
type Key struct {
	Symbol    string
	Direction store.Direction
}

type hourBucket struct {
	hourStart time.Time
	count     int
	perDir    map[store.Direction]int
}

// Snapshot is a consistent, read-only view taken by the gate pipeline for
// one admission attempt.
type Snapshot struct {
	// Count is keyed by symbol+direction and counts only positions younger
	// than the concurrency window passed to Index.Snapshot. The notional
	// sums are keyed by direction (and in total) and cover every position,
	// regardless of age.
	Count      map[Key]int
	Notional   map[store.Direction]float64
	TotalNotional float64

	LastCreatedAt  map[Key]time.Time
	LastOppositeAt map[string]time.Time // keyed by symbol

	HourlyTotal  int
	HourlyPerDir map[store.Direction]int
}

// Index is the mutable exposure aggregate.
type Index struct {
	mu sync.RWMutex

	positions map[string]*Position // by recommendation id
	hour      hourBucket

	clock clock.Clock
}

// New creates an empty Index.
func New(c clock.Clock) *Index {
	return &Index{
		positions: make(map[string]*Position),
		clock:     c,
		hour:      hourBucket{hourStart: c.Now().Truncate(time.Hour), perDir: make(map[store.Direction]int)},
	}
}

// Rebuild replaces the index contents from a fresh list_active read,
// called once at startup.
func (idx *Index) Rebuild(rows []*store.Recommendation) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.positions = make(map[string]*Position, len(rows))
	for _, r := range rows {
		idx.positions[r.ID] = &Position{
			ID:           r.ID,
			Symbol:       r.Symbol,
			Direction:    r.Direction,
			PositionSize: r.PositionSize,
			Leverage:     r.Leverage,
			CreatedAt:    r.CreatedAt,
		}
	}
}

func (idx *Index) resetHourIfNeeded(now time.Time) {
	currentHour := now.Truncate(time.Hour)
	if !currentHour.After(idx.hour.hourStart) {
		return
	}
	idx.hour = hourBucket{hourStart: currentHour, perDir: make(map[store.Direction]int)}
}

// Admit records a newly approved position and increments the hourly
// counters. It takes the index's own lock only; nothing holds a lock
// across the snapshot read and this call.
func (idx *Index) Admit(p Position) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.positions[p.ID] = &p

	now := idx.clock.Now()
	idx.resetHourIfNeeded(now)
	idx.hour.count++
	idx.hour.perDir[p.Direction]++
}

// Close removes a position from the index, called by the lifecycle
// tracker when a row transitions to CLOSED or EXPIRED.
func (idx *Index) Close(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.positions, id)
}

// Snapshot returns a consistent view for the gate pipeline. concurrency
// is the window (RuntimeConfig.ConcurrencyCountAgeHours) beyond which a
// position no longer counts toward max_same_direction_actives.
func (idx *Index) Snapshot(concurrency time.Duration) Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	now := idx.clock.Now()
	// The bucket only advances on Admit; a bucket from an earlier hour
	// counts as empty.
	hourlyTotal, hourlyPerDir := idx.hour.count, idx.hour.perDir
	if now.Truncate(time.Hour).After(idx.hour.hourStart) {
		hourlyTotal, hourlyPerDir = 0, nil
	}
	snap := Snapshot{
		Count:          make(map[Key]int),
		Notional:       make(map[store.Direction]float64),
		LastCreatedAt:  make(map[Key]time.Time),
		LastOppositeAt: make(map[string]time.Time),
		HourlyTotal:    hourlyTotal,
		HourlyPerDir:   map[store.Direction]int{Long: hourlyPerDir[Long], Short: hourlyPerDir[Short]},
	}

	for _, p := range idx.positions {
		notional := p.PositionSize * p.Leverage
		snap.Notional[p.Direction] += notional
		snap.TotalNotional += notional

		age := now.Sub(p.CreatedAt)
		if concurrency <= 0 || age < concurrency {
			snap.Count[Key{Symbol: p.Symbol, Direction: p.Direction}]++
		}

		k := Key{Symbol: p.Symbol, Direction: p.Direction}
		if p.CreatedAt.After(snap.LastCreatedAt[k]) {
			snap.LastCreatedAt[k] = p.CreatedAt
		}
	}

	// LastOppositeAt[symbol] is the most recent creation time of any
	// position on the same symbol but the opposite direction of each
	// existing position; computed as a second pass so both directions are
	// known.
	for _, p := range idx.positions {
		opp := oppositeOf(p.Direction)
		key := Key{Symbol: p.Symbol, Direction: opp}
		if t, ok := snap.LastCreatedAt[key]; ok {
			if t.After(snap.LastOppositeAt[p.Symbol]) {
				snap.LastOppositeAt[p.Symbol] = t
			}
		}
	}

	return snap
}

func oppositeOf(d store.Direction) store.Direction {
	if d == Long {
		return Short
	}
	return Long
}

const (
	Long  = store.Long
	Short = store.Short
)
