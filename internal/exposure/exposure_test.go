package exposure

import (
	"testing"
	"time"

	"recoengine/internal/clock"
	"recoengine/internal/store"
)

func TestRebuildAndSnapshot(t *testing.T) {
	c := clock.NewTest(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	idx := New(c)

	idx.Rebuild([]*store.Recommendation{
		{ID: "a", Symbol: "BTCUSDT", Direction: store.Long, PositionSize: 10, Leverage: 5, CreatedAt: c.Now().Add(-time.Hour)},
		{ID: "b", Symbol: "BTCUSDT", Direction: store.Short, PositionSize: 4, Leverage: 2, CreatedAt: c.Now().Add(-time.Minute)},
	})

	snap := idx.Snapshot(24 * time.Hour)
	if snap.Count[Key{Symbol: "BTCUSDT", Direction: store.Long}] != 1 {
		t.Fatalf("expected 1 long position, got %d", snap.Count[Key{Symbol: "BTCUSDT", Direction: store.Long}])
	}
	if snap.TotalNotional != 10*5+4*2 {
		t.Fatalf("unexpected total notional: %v", snap.TotalNotional)
	}
	if lastOpp, ok := snap.LastOppositeAt["BTCUSDT"]; !ok || !lastOpp.Equal(c.Now().Add(-time.Minute)) {
		t.Fatalf("expected long's opposite (short) last-created to be the short position's time, got %v ok=%v", lastOpp, ok)
	}
}

func TestSnapshotConcurrencyWindowExcludesStalePositions(t *testing.T) {
	c := clock.NewTest(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	idx := New(c)
	idx.Rebuild([]*store.Recommendation{
		{ID: "a", Symbol: "ETHUSDT", Direction: store.Long, PositionSize: 1, Leverage: 1, CreatedAt: c.Now().Add(-48 * time.Hour)},
	})

	snap := idx.Snapshot(24 * time.Hour)
	if snap.Count[Key{Symbol: "ETHUSDT", Direction: store.Long}] != 0 {
		t.Fatalf("stale position should not count toward the concurrency window")
	}
	// Notional sums are unaffected by the window; only the Count map is windowed.
	if snap.TotalNotional != 1 {
		t.Fatalf("expected total notional to still include the stale position, got %v", snap.TotalNotional)
	}
}

func TestAdmitIncrementsHourlyCounters(t *testing.T) {
	c := clock.NewTest(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	idx := New(c)

	idx.Admit(Position{ID: "x", Symbol: "BTCUSDT", Direction: store.Long, PositionSize: 1, Leverage: 1, CreatedAt: c.Now()})
	idx.Admit(Position{ID: "y", Symbol: "BTCUSDT", Direction: store.Short, PositionSize: 1, Leverage: 1, CreatedAt: c.Now()})

	snap := idx.Snapshot(time.Hour)
	if snap.HourlyTotal != 2 {
		t.Fatalf("expected hourly total 2, got %d", snap.HourlyTotal)
	}
	if snap.HourlyPerDir[store.Long] != 1 || snap.HourlyPerDir[store.Short] != 1 {
		t.Fatalf("unexpected per-direction hourly counts: %+v", snap.HourlyPerDir)
	}
}

func TestAdmitResetsHourlyCountersOnHourBoundary(t *testing.T) {
	c := clock.NewTest(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	idx := New(c)

	idx.Admit(Position{ID: "x", Symbol: "BTCUSDT", Direction: store.Long, PositionSize: 1, Leverage: 1, CreatedAt: c.Now()})
	c.Advance(90 * time.Minute)
	idx.Admit(Position{ID: "y", Symbol: "BTCUSDT", Direction: store.Long, PositionSize: 1, Leverage: 1, CreatedAt: c.Now()})

	snap := idx.Snapshot(time.Hour)
	if snap.HourlyTotal != 1 {
		t.Fatalf("expected hourly counters to reset across the hour boundary, got total=%d", snap.HourlyTotal)
	}
}

func TestCloseRemovesPosition(t *testing.T) {
	c := clock.NewTest(time.Now())
	idx := New(c)
	idx.Admit(Position{ID: "x", Symbol: "BTCUSDT", Direction: store.Long, PositionSize: 1, Leverage: 1, CreatedAt: c.Now()})

	idx.Close("x")

	snap := idx.Snapshot(time.Hour)
	if snap.TotalNotional != 0 {
		t.Fatalf("expected position to be removed after Close, got total notional %v", snap.TotalNotional)
	}
}
