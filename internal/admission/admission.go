// Package admission is the Admission Controller (C7): the single code
// path every proposal (manual, auto, backfill) goes through. It opens a
// decision chain, takes a consistent snapshot of RuntimeConfig and the
// Exposure Index, runs the gate pipeline, and on approval derives stops,
// persists, mutates exposure, and publishes the created event.
//
// Grounded on the teacher's pattern of funnelling every order placement
// through risk.Manager.CanOpenPosition and circuit.CircuitBreaker.CanTrade
// before touching the exchange: one narrow entry point, typed rejections.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recoengine/internal/chain"
	"recoengine/internal/clock"
	"recoengine/internal/engineerr"
	"recoengine/internal/events"
	"recoengine/internal/exposure"
	"recoengine/internal/gate"
	"recoengine/internal/priceconn"
	"recoengine/internal/runtimeconfig"
	"recoengine/internal/store"
)

// Proposal is the inbound request, identical in shape whether it came from
// a manual call, an automated strategy, or a backfill import.
type Proposal struct {
	Symbol       string
	Direction    store.Direction
	EntryPrice   float64
	Leverage     float64
	PositionSize float64
	Confidence   float64

	StopLossPrice   *float64
	TakeProfitPrice *float64

	ATRValue          *float64
	ATRPeriod         *int
	ATRStopMultiplier *float64
	ATRTakeMultiplier *float64

	MTFAgreement         *float64
	MTFDominantDirection *store.Direction

	EV          *float64
	EVThreshold *float64

	Source         string
	StrategyType   *string
	ABGroup        *string
	ExperimentID   *string
	DedupeKey      *string

	BypassCooldown bool
}

// Controller wires C2, C3, C4, C5, C6 and C9 together behind Admit.
type Controller struct {
	st       *store.Store
	feed     *priceconn.Feed
	chains   *chain.Monitor
	exposure *exposure.Index
	cfg      *runtimeconfig.Store
	bus      *events.Bus
	gates    []gate.Gate
	clock    clock.Clock
}

// New creates a Controller. gates defaults to gate.Default() when nil. c
// defaults to clock.Real when nil, so every domain timestamp the controller
// reads (gate evaluation time, recommendation created_at, the OPEN
// execution's intended/fill timestamps) goes through the same injectable
// source the exposure index and chain monitor already use.
func New(st *store.Store, feed *priceconn.Feed, chains *chain.Monitor, idx *exposure.Index, cfg *runtimeconfig.Store, bus *events.Bus, gates []gate.Gate, c clock.Clock) *Controller {
	if gates == nil {
		gates = gate.Default()
	}
	if c == nil {
		c = clock.Real
	}
	return &Controller{st: st, feed: feed, chains: chains, exposure: idx, cfg: cfg, bus: bus, gates: gates, clock: c}
}

// Admit runs a proposal through the full pipeline and returns the
// persisted recommendation on approval, or a *engineerr.GateError (returned
// directly, not wrapped) on rejection.
func (c *Controller) Admit(ctx context.Context, p Proposal) (*store.Recommendation, error) {
	chainID := c.chains.StartChain(chain.StartInput{Symbol: p.Symbol, Direction: p.Direction, Source: p.Source})

	c.chains.AddStep(chainID, store.DecisionStep{
		Stage:    "START",
		Decision: store.DecisionApproved,
		Details: map[string]interface{}{
			"symbol": p.Symbol, "direction": p.Direction, "entry_price": p.EntryPrice,
		},
	})

	cfgSnapshot := c.cfg.Snapshot()

	price, priceErr := c.feed.Get(p.Symbol)

	active, err := c.st.ListActive(ctx, store.ActiveFilter{})
	if err != nil {
		c.chains.FinalizeCancelled(chainID, "store unavailable")
		return nil, fmt.Errorf("admit %s: list active: %w", p.Symbol, err)
	}

	expSnapshot := c.exposure.Snapshot(time.Duration(cfgSnapshot.ConcurrencyCountAgeHours * float64(time.Hour)))

	gc := gate.GateContext{
		Now: c.clock.Now(),
		Candidate: gate.Candidate{
			Symbol: p.Symbol, Direction: p.Direction, EntryPrice: p.EntryPrice,
			Leverage: p.Leverage, PositionSize: p.PositionSize, Confidence: p.Confidence,
			BypassCooldown:       p.BypassCooldown,
			MTFAgreement:         p.MTFAgreement,
			MTFDominantDirection: p.MTFDominantDirection,
			EV:                   p.EV,
			EVThreshold:          p.EVThreshold,
		},
		Config:   cfgSnapshot,
		Active:   gate.ActiveSnapshot{Rows: active},
		Exposure: expSnapshot,
	}
	if priceErr == nil {
		gc.Price = price
	}

	c.chains.SetInputs(chainID, gc)

	result := gate.Run(c.gates, gc)
	for _, step := range result.Steps {
		c.chains.AddStep(chainID, store.DecisionStep{
			Stage:    string(step.Stage),
			Decision: step.Verdict.Decision,
			Reason:   step.Verdict.Reason,
			Details:  step.Verdict.Details,
		})
	}

	if !result.Approved {
		c.chains.Finalize(ctx, chainID)
		c.bus.PublishGated(chainID, string(result.FailedAt), result.Reason, result.Details)
		return nil, engineerr.NewGateError(engineerr.Code(result.Reason), result.Reason, result.Details)
	}

	now := c.clock.Now()
	rec := c.buildRecommendation(p, now)

	if err := c.st.InsertRecommendation(ctx, rec); err != nil {
		c.chains.FinalizeCancelled(chainID, "persist failed")
		return nil, fmt.Errorf("admit %s: persist: %w", p.Symbol, err)
	}

	c.exposure.Admit(exposure.Position{
		ID: rec.ID, Symbol: rec.Symbol, Direction: rec.Direction,
		PositionSize: rec.PositionSize, Leverage: rec.Leverage, CreatedAt: rec.CreatedAt,
	})

	c.bus.PublishCreated(rec.ID, rec.Symbol, rec.Direction, rec.EntryPrice)

	c.recordOpenExecution(ctx, chainID, rec, price, priceErr, now)

	c.chains.LinkRecommendation(chainID, rec.ID)
	if err := c.chains.Finalize(ctx, chainID); err != nil {
		return rec, nil
	}

	return rec, nil
}

// recordOpenExecution appends the OPEN fill record for a newly admitted
// recommendation and links it to the chain, mirroring the teacher's pattern
// of recording an execution alongside every position open. Slippage is the
// gap between the gate's observed market price and the recommendation's
// entry price; when no market price was available (priceErr != nil) the
// execution is still recorded, just with zero latency/slippage.
func (c *Controller) recordOpenExecution(ctx context.Context, chainID string, rec *store.Recommendation, observedPrice float64, priceErr error, now time.Time) {
	fillPrice := rec.EntryPrice
	var slippageBps float64
	if priceErr == nil && observedPrice > 0 {
		fillPrice = observedPrice
		slippageBps = (observedPrice - rec.EntryPrice) / rec.EntryPrice * 10000
		if rec.Direction == store.Short {
			slippageBps = -slippageBps
		}
	}

	exec := &store.Execution{
		ID:                uuid.New().String(),
		EventType:         store.ExecOpen,
		RecommendationID:  rec.ID,
		Symbol:            rec.Symbol,
		Direction:         rec.Direction,
		Size:              rec.PositionSize,
		IntendedPrice:     rec.EntryPrice,
		IntendedTimestamp: now,
		FillPrice:         fillPrice,
		FillTimestamp:     now,
		SlippageBps:       slippageBps,
		Details:           map[string]interface{}{"chain_id": chainID, "price_available": priceErr == nil},
	}
	if err := c.st.SaveExecution(ctx, exec); err != nil {
		c.bus.PublishLifecycleError(rec.ID, "open execution persist failed", err)
		return
	}
	if err := c.chains.LinkExecution(chainID, exec.ID); err != nil {
		c.bus.PublishLifecycleError(rec.ID, "link open execution to chain failed", err)
	}
}

// buildRecommendation derives stops from ATR when the caller didn't supply
// them and assigns a new id.
func (c *Controller) buildRecommendation(p Proposal, now time.Time) *store.Recommendation {
	slPrice := p.StopLossPrice
	tpPrice := p.TakeProfitPrice

	if slPrice == nil && p.ATRValue != nil && p.ATRStopMultiplier != nil {
		v := deriveStop(p.EntryPrice, *p.ATRValue, *p.ATRStopMultiplier, p.Direction, true)
		slPrice = &v
	}
	if tpPrice == nil && p.ATRValue != nil && p.ATRTakeMultiplier != nil {
		v := deriveStop(p.EntryPrice, *p.ATRValue, *p.ATRTakeMultiplier, p.Direction, false)
		tpPrice = &v
	}

	var atrPeriod *int
	if p.ATRPeriod != nil {
		atrPeriod = p.ATRPeriod
	}

	return &store.Recommendation{
		ID:                uuid.New().String(),
		Symbol:            p.Symbol,
		Direction:         p.Direction,
		EntryPrice:        p.EntryPrice,
		CurrentPrice:      p.EntryPrice,
		Leverage:          p.Leverage,
		PositionSize:      p.PositionSize,
		StopLossPrice:     slPrice,
		TakeProfitPrice:   tpPrice,
		ATRValue:        p.ATRValue,
		ATRPeriod:       atrPeriod,
		ATRSLMultiplier: p.ATRStopMultiplier,
		ATRTPMultiplier: p.ATRTakeMultiplier,
		EV:                p.EV,
		EVThreshold:       p.EVThreshold,
		EVOk:              evOk(p.EV, p.EVThreshold),
		Status:            store.StatusActive,
		Source:            &p.Source,
		StrategyType:      p.StrategyType,
		ABGroup:           p.ABGroup,
		ExperimentID:      p.ExperimentID,
		DedupeKey:         p.DedupeKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// deriveStop computes entry ± atr*multiplier. isStop=true picks the
// direction that makes the result a protective stop; false picks the
// direction that makes it a target.
func deriveStop(entry, atr, multiplier float64, direction store.Direction, isStop bool) float64 {
	delta := atr * multiplier
	long := direction == store.Long
	below := (long && isStop) || (!long && !isStop)
	if below {
		return entry - delta
	}
	return entry + delta
}

func evOk(ev, threshold *float64) *bool {
	if ev == nil || threshold == nil {
		return nil
	}
	ok := *ev >= *threshold
	return &ok
}
