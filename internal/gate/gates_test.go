package gate

import (
	"testing"
	"time"

	"recoengine/internal/exposure"
	"recoengine/internal/runtimeconfig"
	"recoengine/internal/store"
)

func baseContext() GateContext {
	return GateContext{
		Now: time.Now(),
		Candidate: Candidate{
			Symbol: "BTCUSDT", Direction: store.Long,
			EntryPrice: 100, Leverage: 5, PositionSize: 10,
		},
		Config:   runtimeconfig.Default(),
		Price:    100,
		Exposure: exposure.Snapshot{Count: map[exposure.Key]int{}, Notional: map[store.Direction]float64{}, LastCreatedAt: map[exposure.Key]time.Time{}, LastOppositeAt: map[string]time.Time{}},
	}
}

func TestBasicValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*GateContext)
		approve bool
	}{
		{"valid", func(gc *GateContext) {}, true},
		{"missing symbol", func(gc *GateContext) { gc.Candidate.Symbol = "" }, false},
		{"zero entry price", func(gc *GateContext) { gc.Candidate.EntryPrice = 0 }, false},
		{"zero leverage", func(gc *GateContext) { gc.Candidate.Leverage = 0 }, false},
		{"bad direction", func(gc *GateContext) { gc.Candidate.Direction = "SIDEWAYS" }, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gc := baseContext()
			c.mutate(&gc)
			v := basicValidation{}.Evaluate(gc)
			approved := v.Decision == store.DecisionApproved
			if approved != c.approve {
				t.Errorf("got approved=%v, want %v (reason=%s)", approved, c.approve, v.Reason)
			}
		})
	}
}

func TestPriceAvailability(t *testing.T) {
	gc := baseContext()
	gc.Price = 0
	v := priceAvailability{}.Evaluate(gc)
	if v.Decision != store.DecisionRejected || v.Reason != "NO_PRICE" {
		t.Fatalf("expected NO_PRICE rejection, got %+v", v)
	}

	gc.Price = 42
	v = priceAvailability{}.Evaluate(gc)
	if v.Decision != store.DecisionApproved {
		t.Fatalf("expected approval, got %+v", v)
	}
}

func TestDuplicateCheck(t *testing.T) {
	gc := baseContext()
	gc.Config.DuplicateBpsThreshold = 20
	gc.Active = ActiveSnapshot{Rows: []*store.Recommendation{
		{ID: "r1", Symbol: "BTCUSDT", Direction: store.Long, EntryPrice: 100.05},
	}}

	v := duplicateCheck{}.Evaluate(gc)
	if v.Decision != store.DecisionRejected {
		t.Fatalf("expected duplicate rejection within threshold, got %+v", v)
	}
	matched, ok := v.Details["matchedIds"].([]string)
	if !ok || len(matched) != 1 || matched[0] != "r1" {
		t.Fatalf("expected details[\"matchedIds\"] = [\"r1\"], got %+v", v.Details)
	}

	gc.Active.Rows[0].EntryPrice = 110
	v = duplicateCheck{}.Evaluate(gc)
	if v.Decision != store.DecisionApproved {
		t.Fatalf("expected approval outside threshold, got %+v", v)
	}
}

func TestCooldownBypass(t *testing.T) {
	gc := baseContext()
	gc.Candidate.BypassCooldown = true
	gc.Config.CooldownSameDirectionMs = 60_000
	gc.Exposure.LastCreatedAt[exposure.Key{Symbol: "BTCUSDT", Direction: store.Long}] = gc.Now

	v := cooldown{}.Evaluate(gc)
	if v.Decision != store.DecisionApproved {
		t.Fatalf("bypass_cooldown should skip the check, got %+v", v)
	}
}

func TestCooldownRejectsWithinWindow(t *testing.T) {
	gc := baseContext()
	gc.Config.CooldownSameDirectionMs = 60_000
	gc.Exposure.LastCreatedAt[exposure.Key{Symbol: "BTCUSDT", Direction: store.Long}] = gc.Now.Add(-10 * time.Second)

	v := cooldown{}.Evaluate(gc)
	if v.Decision != store.DecisionRejected {
		t.Fatalf("expected cooldown rejection, got %+v", v)
	}
}

func TestEVGateAdvisoryByDefault(t *testing.T) {
	gc := baseContext()
	ev, threshold := 0.1, 0.5
	gc.Candidate.EV = &ev
	gc.Candidate.EVThreshold = &threshold
	gc.Config.EVGateHardReject = false

	v := evGate{}.Evaluate(gc)
	if v.Decision != store.DecisionApproved {
		t.Fatalf("EV gate should be advisory by default, got %+v", v)
	}
}

func TestEVGateHardRejectWhenConfigured(t *testing.T) {
	gc := baseContext()
	ev, threshold := 0.1, 0.5
	gc.Candidate.EV = &ev
	gc.Candidate.EVThreshold = &threshold
	gc.Config.EVGateHardReject = true

	v := evGate{}.Evaluate(gc)
	if v.Decision != store.DecisionRejected {
		t.Fatalf("expected hard reject when EVGateHardReject is set, got %+v", v)
	}
}

func TestRunShortCircuitsOnFirstReject(t *testing.T) {
	gc := baseContext()
	gc.Candidate.Symbol = ""

	res := Run(Default(), gc)
	if res.Approved {
		t.Fatal("expected pipeline rejection")
	}
	if res.FailedAt != StageBasicValidation {
		t.Fatalf("expected to fail at basic_validation, got %s", res.FailedAt)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("expected exactly one recorded step on short-circuit, got %d", len(res.Steps))
	}
}

func TestRunApprovesCleanCandidate(t *testing.T) {
	gc := baseContext()
	res := Run(Default(), gc)
	if !res.Approved {
		t.Fatalf("expected approval, got reason=%s at stage=%s", res.Reason, res.FailedAt)
	}
	if len(res.Steps) != len(Default()) {
		t.Fatalf("expected every gate to record a step, got %d of %d", len(res.Steps), len(Default()))
	}
}
