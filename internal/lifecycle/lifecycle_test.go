package lifecycle

import (
	"testing"
	"time"

	"recoengine/internal/runtimeconfig"
	"recoengine/internal/store"
)

func ptr(f float64) *float64 { return &f }

func TestDecideExitStopLossLong(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Long, EntryPrice: 100, StopLossPrice: ptr(90)}
	cfg := runtimeconfig.Default()

	reason, _ := tr.decideExit(r, 89, time.Hour, cfg)
	if reason != store.ExitStopLoss {
		t.Fatalf("expected stop loss exit, got %q", reason)
	}
}

func TestDecideExitStopLossShort(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Short, EntryPrice: 100, StopLossPrice: ptr(110)}
	cfg := runtimeconfig.Default()

	reason, _ := tr.decideExit(r, 111, time.Hour, cfg)
	if reason != store.ExitStopLoss {
		t.Fatalf("expected stop loss exit, got %q", reason)
	}
}

func TestDecideExitBreakevenWhenStopEqualsEntry(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Long, EntryPrice: 100, StopLossPrice: ptr(100)}
	cfg := runtimeconfig.Default()

	reason, _ := tr.decideExit(r, 99, time.Hour, cfg)
	if reason != store.ExitBreakeven {
		t.Fatalf("expected breakeven exit when stop is at entry, got %q", reason)
	}
}

func TestDecideExitTakeProfit(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Long, EntryPrice: 100, TakeProfitPrice: ptr(120)}
	cfg := runtimeconfig.Default()

	reason, _ := tr.decideExit(r, 121, time.Hour, cfg)
	if reason != store.ExitTakeProfit {
		t.Fatalf("expected take profit exit, got %q", reason)
	}
}

func TestDecideExitClosePendingTakesPriorityAsManual(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{
		Direction: store.Long, EntryPrice: 100, StopLossPrice: ptr(90),
		ClosePending: true,
	}
	cfg := runtimeconfig.Default()

	// Even though price has also hit the stop loss, ClosePending wins.
	reason, _ := tr.decideExit(r, 80, time.Hour, cfg)
	if reason != store.ExitManual {
		t.Fatalf("expected ClosePending to force a manual exit, got %q", reason)
	}
}

func TestDecideExitTimeoutDefersUnderMinHoldingFloor(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Long, EntryPrice: 100}
	cfg := runtimeconfig.Default()
	cfg.MaxHoldingHours = 1
	cfg.MinHoldingMinutes = 90

	// Past max holding hours, but under the min_holding_minutes floor.
	reason, _ := tr.decideExit(r, 100, 61*time.Minute, cfg)
	if reason != "" {
		t.Fatalf("expected timeout to defer under the min_holding_minutes floor, got %q", reason)
	}
}

func TestDecideExitTimeoutFiresPastBothFloorAndCeiling(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Long, EntryPrice: 100}
	cfg := runtimeconfig.Default()
	cfg.MaxHoldingHours = 1
	cfg.MinHoldingMinutes = 30

	reason, _ := tr.decideExit(r, 100, 2*time.Hour, cfg)
	if reason != store.ExitTimeout {
		t.Fatalf("expected timeout exit, got %q", reason)
	}
}

func TestDecideExitTakeProfitWaitsForFinalLevelWhenPartialEnabled(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Long, EntryPrice: 100, TakeProfitPrice: ptr(120), TP1Hit: true}
	cfg := runtimeconfig.Default()
	cfg.PartialTakeProfit.Enabled = true

	// Price is past take_profit_price but TP3 (the final level) hasn't
	// been marked hit yet, so the row stays open.
	reason, _ := tr.decideExit(r, 121, time.Hour, cfg)
	if reason != "" {
		t.Fatalf("expected no exit until tp3_hit, got %q", reason)
	}
}

func TestDecideExitTakeProfitClosesOnFinalLevelWhenPartialEnabled(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{
		Direction: store.Long, EntryPrice: 100, TakeProfitPrice: ptr(120),
		TP1Hit: true, TP2Hit: true, TP3Hit: true,
	}
	cfg := runtimeconfig.Default()
	cfg.PartialTakeProfit.Enabled = true

	reason, _ := tr.decideExit(r, 121, time.Hour, cfg)
	if reason != store.ExitTakeProfit {
		t.Fatalf("expected take profit exit once tp3_hit, got %q", reason)
	}
}

func TestDecideExitNoExitWhenNothingTriggers(t *testing.T) {
	tr := &Tracker{}
	r := &store.Recommendation{Direction: store.Long, EntryPrice: 100, StopLossPrice: ptr(90), TakeProfitPrice: ptr(120)}
	cfg := runtimeconfig.Default()

	reason, _ := tr.decideExit(r, 105, time.Minute, cfg)
	if reason != "" {
		t.Fatalf("expected no exit, got %q", reason)
	}
}

func TestStopIsBreakeven(t *testing.T) {
	tr := &Tracker{}

	if tr.stopIsBreakeven(&store.Recommendation{EntryPrice: 100, StopLossPrice: ptr(100)}) != true {
		t.Fatal("expected stop at entry to be breakeven")
	}
	if tr.stopIsBreakeven(&store.Recommendation{EntryPrice: 100, StopLossPrice: ptr(95)}) != false {
		t.Fatal("expected stop away from entry to not be breakeven")
	}
	if tr.stopIsBreakeven(&store.Recommendation{EntryPrice: 100, StopLossPrice: nil}) != false {
		t.Fatal("expected nil stop to not be breakeven")
	}
}
