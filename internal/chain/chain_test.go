package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"recoengine/internal/clock"
	"recoengine/internal/engineerr"
	"recoengine/internal/gate"
	"recoengine/internal/store"
)

func TestStartChainAddStepFinalizeApproved(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	if err := m.AddStep(id, store.DecisionStep{Stage: "basic_validation", Decision: store.DecisionApproved}); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if err := m.AddStep(id, store.DecisionStep{Stage: "persist", Decision: store.DecisionApproved}); err != nil {
		t.Fatalf("AddStep: %v", err)
	}

	if err := m.Finalize(context.Background(), id); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FinalDecision != store.DecisionApproved {
		t.Fatalf("expected APPROVED, got %s", got.FinalDecision)
	}
	if got.EndAt == nil {
		t.Fatal("expected EndAt to be set after finalize")
	}
}

func TestFinalizeRejectedTakesPriorityAndCapturesReason(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Short, Source: "signal"})
	m.AddStep(id, store.DecisionStep{Stage: "basic_validation", Decision: store.DecisionApproved})
	m.AddStep(id, store.DecisionStep{Stage: "cooldown", Decision: store.DecisionRejected, Reason: "COOLDOWN_ACTIVE"})

	if err := m.Finalize(context.Background(), id); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, _ := m.Get(id)
	if got.FinalDecision != store.DecisionRejected {
		t.Fatalf("expected REJECTED, got %s", got.FinalDecision)
	}
	if got.FinalReason != "COOLDOWN_ACTIVE" {
		t.Fatalf("expected reason COOLDOWN_ACTIVE, got %q", got.FinalReason)
	}
}

func TestFinalizeIsANoOpOnSecondCall(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	m.AddStep(id, store.DecisionStep{Stage: "persist", Decision: store.DecisionApproved})
	if err := m.Finalize(context.Background(), id); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := m.Finalize(context.Background(), id); err != nil {
		t.Fatalf("second Finalize should be a no-op, got error: %v", err)
	}
}

func TestAddStepAfterFinalizeFails(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	m.AddStep(id, store.DecisionStep{Stage: "persist", Decision: store.DecisionApproved})
	m.Finalize(context.Background(), id)

	err := m.AddStep(id, store.DecisionStep{Stage: "late", Decision: store.DecisionApproved})
	if !errors.Is(err, engineerr.ErrChainAlreadyFinal) {
		t.Fatalf("expected ErrChainAlreadyFinal, got %v", err)
	}
}

func TestGetUnknownChainFails(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	_, err := m.Get("CHAIN|missing")
	if !errors.Is(err, engineerr.ErrChainNotFound) {
		t.Fatalf("expected ErrChainNotFound, got %v", err)
	}
}

func TestFinalizeCancelledSetsEndAtWithoutChangingPendingDecision(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	m.FinalizeCancelled(id, "context cancelled")

	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FinalDecision != store.DecisionPending {
		t.Fatalf("expected decision to stay PENDING, got %s", got.FinalDecision)
	}
	if got.FinalReason != "context cancelled" {
		t.Fatalf("expected reason to be set, got %q", got.FinalReason)
	}
	if got.EndAt == nil {
		t.Fatal("expected EndAt to be set")
	}
}

// approveAll is a single-stage gate that always approves, for exercising
// Replay/BatchReplay without depending on the full default pipeline.
type approveAll struct{}

func (approveAll) Name() gate.StageTag { return gate.StageTag("persist") }
func (approveAll) Evaluate(gate.GateContext) gate.Verdict {
	return gate.Verdict{Decision: store.DecisionApproved}
}

type rejectAll struct{}

func (rejectAll) Name() gate.StageTag { return gate.StageTag("cooldown") }
func (rejectAll) Evaluate(gate.GateContext) gate.Verdict {
	return gate.Verdict{Decision: store.DecisionRejected, Reason: "COOLDOWN_ACTIVE"}
}

func TestReplayWithoutCapturedInputsFails(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	m.AddStep(id, store.DecisionStep{Stage: "persist", Decision: store.DecisionApproved})
	m.Finalize(context.Background(), id)

	_, err := m.Replay(id, []gate.Gate{approveAll{}})
	if err == nil {
		t.Fatal("expected replay to fail when inputs were never captured")
	}
}

func TestReplayIdenticalWhenDecisionsMatch(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	m.AddStep(id, store.DecisionStep{Stage: "persist", Decision: store.DecisionApproved})
	m.Finalize(context.Background(), id)
	m.SetInputs(id, gate.GateContext{})

	result, err := m.Replay(id, []gate.Gate{approveAll{}})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(result.Differences) != 0 {
		t.Fatalf("expected no differences, got %+v", result.Differences)
	}
	if result.Analysis != "identical" {
		t.Fatalf("expected analysis 'identical', got %q", result.Analysis)
	}
}

func TestReplayDivergesWhenRuleChanged(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	id := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	m.AddStep(id, store.DecisionStep{Stage: "cooldown", Decision: store.DecisionApproved})
	m.Finalize(context.Background(), id)
	m.SetInputs(id, gate.GateContext{})

	result, err := m.Replay(id, []gate.Gate{rejectAll{}})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(result.Differences) != 1 {
		t.Fatalf("expected 1 difference, got %d: %+v", len(result.Differences), result.Differences)
	}
	if result.Differences[0].ReplayDecision != store.DecisionRejected {
		t.Fatalf("expected replay decision REJECTED, got %s", result.Differences[0].ReplayDecision)
	}
}

func TestBatchReplaySeparatesSuccessesAndErrors(t *testing.T) {
	c := clock.NewTest(time.Now())
	m := New(c, nil)

	okID := m.StartChain(StartInput{Symbol: "BTCUSDT", Direction: store.Long, Source: "signal"})
	m.AddStep(okID, store.DecisionStep{Stage: "persist", Decision: store.DecisionApproved})
	m.Finalize(context.Background(), okID)
	m.SetInputs(okID, gate.GateContext{})

	missingID := "CHAIN|does-not-exist"

	br := m.BatchReplay([]string{okID, missingID}, []gate.Gate{approveAll{}}, BatchReplayOptions{MaxConcurrency: 2})
	if br.Total != 2 {
		t.Fatalf("expected total 2, got %d", br.Total)
	}
	if br.Successful != 1 || br.Failed != 1 {
		t.Fatalf("expected 1 success and 1 failure, got successful=%d failed=%d", br.Successful, br.Failed)
	}
	if _, ok := br.Results[okID]; !ok {
		t.Fatal("expected result for the valid chain id")
	}
	if _, ok := br.Errors[missingID]; !ok {
		t.Fatal("expected error for the missing chain id")
	}
}
