// Package lifecycle is the Lifecycle Tracker (C8): a periodic evaluator
// that walks every ACTIVE recommendation, applies the exit-priority state
// machine and trailing-stop logic, and closes rows that have reached a
// terminal condition.
//
// Grounded directly on the teacher's risk.TrailingStopManager (high/low
// water mark, activation threshold, move-only-favorably, long/short
// mirrored logic) and orders.PositionTracker.OnPartialClose (the
// tp_k_hit/reduction_count state machine), driven by a ticker loop in the
// style of the teacher's scanner and bot packages.
package lifecycle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"recoengine/internal/events"
	"recoengine/internal/exposure"
	"recoengine/internal/priceconn"
	"recoengine/internal/runtimeconfig"
	"recoengine/internal/store"
)

// trailingState is the in-memory, per-recommendation trailing-stop water
// mark. It is never persisted directly; only the resulting stop_loss_price
// moves are written to the store.
type trailingState struct {
	highWater   float64
	lowWater    float64
	activated   bool
	breakeven   bool
}

// Tracker is the periodic evaluator.
type Tracker struct {
	st       *store.Store
	feed     *priceconn.Feed
	exposure *exposure.Index
	cfg      *runtimeconfig.Store
	bus      *events.Bus
	log      zerolog.Logger

	interval time.Duration

	mu       sync.Mutex
	trailing map[string]*trailingState
	running  bool
	cancel   context.CancelFunc
}

// New creates a Tracker ticking at interval. A non-positive interval
// defaults to 2s; any positive value is used as given.
func New(st *store.Store, feed *priceconn.Feed, idx *exposure.Index, cfg *runtimeconfig.Store, bus *events.Bus, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Tracker{
		st:       st,
		feed:     feed,
		exposure: idx,
		cfg:      cfg,
		bus:      bus,
		log:      log.With().Str("component", "lifecycle").Logger(),
		interval: interval,
		trailing: make(map[string]*trailingState),
	}
}

// Start launches the tick loop in a goroutine. It is a no-op if already
// running.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	go t.loop(runCtx)
}

// Stop cancels the tick loop. The loop exits between ticks, never mid-row.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.cancel()
	t.running = false
}

// IsRunning reports whether the tick loop is active.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick evaluates every active row once. Exported so tests and a manual
// "evaluate now" endpoint can drive it directly.
func (t *Tracker) Tick(ctx context.Context) {
	rows, err := t.st.ListActive(ctx, store.ActiveFilter{})
	if err != nil {
		t.log.Warn().Err(err).Msg("lifecycle tick: list active failed")
		return
	}

	cfg := t.cfg.Snapshot()
	now := time.Now()

	for _, r := range rows {
		t.evaluateRow(ctx, r, cfg, now)
	}
}

func (t *Tracker) evaluateRow(ctx context.Context, r *store.Recommendation, cfg runtimeconfig.Config, now time.Time) {
	price, err := t.feed.Get(r.Symbol)
	if err != nil {
		t.saveSample(ctx, r.ID, nil, now)
		return
	}

	age := now.Sub(r.CreatedAt)
	long := r.Direction == store.Long

	t.applyPartialTakeProfit(ctx, r, price, cfg, long)

	if reason, label := t.decideExit(r, price, age, cfg); reason != "" {
		t.closeRow(ctx, r, price, reason, label, now)
		t.saveSample(ctx, r.ID, &price, now)
		return
	}

	t.applyTrailing(ctx, r, price, cfg, long)
	t.saveSample(ctx, r.ID, &price, now)
}

// decideExit applies the exit-priority state machine. Returns ("", "")
// when the row should remain open.
func (t *Tracker) decideExit(r *store.Recommendation, price float64, age time.Duration, cfg runtimeconfig.Config) (store.ExitReason, string) {
	long := r.Direction == store.Long

	if r.ClosePending {
		return store.ExitManual, "close_pending retry"
	}

	if r.StopLossPrice != nil {
		hit := (long && price <= *r.StopLossPrice) || (!long && price >= *r.StopLossPrice)
		if hit {
			if t.stopIsBreakeven(r) {
				return store.ExitBreakeven, "stop at breakeven"
			}
			return store.ExitStopLoss, "stop loss hit"
		}
	}

	if r.TakeProfitPrice != nil {
		if cfg.PartialTakeProfit.Enabled {
			// Partial take-profit owns the exit: only the final level
			// (tp3_hit, equivalent to take_profit_price itself) closes the
			// row. Earlier levels only reduce and are applied in
			// applyPartialTakeProfit before decideExit runs.
			if r.TP3Hit {
				return store.ExitTakeProfit, "final take profit level hit"
			}
		} else {
			hit := (long && price >= *r.TakeProfitPrice) || (!long && price <= *r.TakeProfitPrice)
			if hit {
				return store.ExitTakeProfit, "take profit hit"
			}
		}
	}

	if cfg.MaxHoldingHours > 0 && age >= time.Duration(cfg.MaxHoldingHours*float64(time.Hour)) {
		floor := time.Duration(cfg.MinHoldingMinutes * float64(time.Minute))
		if age >= floor {
			return store.ExitTimeout, "max holding period reached"
		}
		// under the min_holding_minutes floor: defer, re-evaluate next tick
	}

	return "", ""
}

func (t *Tracker) stopIsBreakeven(r *store.Recommendation) bool {
	if r.StopLossPrice == nil {
		return false
	}
	return math.Abs(*r.StopLossPrice-r.EntryPrice) < 1e-9
}

// applyTrailing implements the high/low water mark trailing logic,
// mirrored from the teacher's TrailingStopManager, parameterized by
// RuntimeConfig.Trailing instead of a static config struct.
func (t *Tracker) applyTrailing(ctx context.Context, r *store.Recommendation, price float64, cfg runtimeconfig.Config, long bool) {
	if !cfg.Trailing.Enabled {
		return
	}

	t.mu.Lock()
	ts, ok := t.trailing[r.ID]
	if !ok {
		ts = &trailingState{highWater: r.EntryPrice, lowWater: r.EntryPrice}
		t.trailing[r.ID] = ts
	}
	t.mu.Unlock()

	var profitPct float64
	if long {
		if price > ts.highWater {
			ts.highWater = price
		}
		profitPct = (price - r.EntryPrice) / r.EntryPrice * 100
	} else {
		if price < ts.lowWater {
			ts.lowWater = price
		}
		profitPct = (r.EntryPrice - price) / r.EntryPrice * 100
	}

	breakevenReached := r.StopLossPrice != nil && t.stopIsBreakeven(r)
	if !ts.activated {
		if (cfg.Trailing.ActivateOnBreakeven && breakevenReached) || profitPct >= cfg.Trailing.ActivateProfitPct {
			ts.activated = true
		}
	}
	if !ts.activated {
		return
	}

	var candidate float64
	if long {
		candidate = ts.highWater * (1 - cfg.Trailing.Percent/100)
	} else {
		candidate = ts.lowWater * (1 + cfg.Trailing.Percent/100)
	}

	current := r.EntryPrice
	if r.StopLossPrice != nil {
		current = *r.StopLossPrice
	}

	var improved bool
	if long {
		improved = candidate > current && candidate-current >= cfg.Trailing.MinStep
	} else {
		improved = candidate < current && current-candidate >= cfg.Trailing.MinStep
	}
	if !improved {
		return
	}

	if err := t.st.UpdateRecommendation(ctx, r.ID, store.Patch{StopLossPrice: &candidate}); err != nil {
		t.bus.PublishLifecycleError(r.ID, "trailing stop persist failed", err)
		return
	}
	t.bus.PublishTrailingMoved(r.ID, candidate)
}

// applyPartialTakeProfit steps the tp1_hit/tp2_hit/tp3_hit state machine,
// mirrored from the teacher's orders.PositionTracker.OnPartialClose and its
// OrderTypeTP1/TP2/TP3 staged reductions. Levels are fractions of the
// entry→take_profit_price distance; reduction_count only increases and a
// tp_k_hit flag never clears once set, matching the monotonicity invariant.
// A single large price move can cross more than one level in one tick; each
// crossed level still bumps reduction_count and the ratio lands on the
// highest level reached.
func (t *Tracker) applyPartialTakeProfit(ctx context.Context, r *store.Recommendation, price float64, cfg runtimeconfig.Config, long bool) {
	if !cfg.PartialTakeProfit.Enabled || r.TakeProfitPrice == nil || r.TP3Hit {
		return
	}

	distance := *r.TakeProfitPrice - r.EntryPrice
	if !long {
		distance = r.EntryPrice - *r.TakeProfitPrice
	}
	if distance <= 0 {
		return
	}

	var progress float64
	if long {
		progress = (price - r.EntryPrice) / distance
	} else {
		progress = (r.EntryPrice - price) / distance
	}

	patch := store.Patch{}
	var changed bool

	bump := func(level int, ratio float64) {
		r.ReductionCount++
		r.ReductionRatio = ratio
		patch.ReductionCount = intPtr(r.ReductionCount)
		patch.ReductionRatio = &ratio
		changed = true
		t.bus.PublishPartialTakeProfit(r.ID, level, ratio)
	}

	if !r.TP1Hit && progress >= cfg.PartialTakeProfit.TP1Fraction {
		r.TP1Hit = true
		patch.TP1Hit = boolPtr(true)
		bump(1, cfg.PartialTakeProfit.TP1Ratio)
	}
	if !r.TP2Hit && progress >= cfg.PartialTakeProfit.TP2Fraction {
		r.TP2Hit = true
		patch.TP2Hit = boolPtr(true)
		bump(2, cfg.PartialTakeProfit.TP2Ratio)
	}
	if !r.TP3Hit && progress >= 1.0 {
		r.TP3Hit = true
		patch.TP3Hit = boolPtr(true)
		bump(3, cfg.PartialTakeProfit.TP3Ratio)
	}

	if !changed {
		return
	}
	if err := t.st.UpdateRecommendation(ctx, r.ID, patch); err != nil {
		t.bus.PublishLifecycleError(r.ID, "partial take profit persist failed", err)
	}
}

// closeRow closes r with retry-with-backoff, falling back to close_pending
// on exhaustion per the failure semantics in §4.7.
func (t *Tracker) closeRow(ctx context.Context, r *store.Recommendation, price float64, reason store.ExitReason, label string, now time.Time) {
	exitPrice := price
	if exitPrice == 0 {
		if r.CurrentPrice > 0 {
			exitPrice = r.CurrentPrice
		} else {
			exitPrice = r.EntryPrice
		}
	}

	pnlPercent := (exitPrice - r.EntryPrice) / r.EntryPrice * r.Leverage * 100
	if r.Direction == store.Short {
		pnlPercent = -pnlPercent
	}
	pnlAmount := pnlPercent / 100 * r.PositionSize

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = t.st.CloseRecommendation(ctx, r.ID, exitPrice, now, reason, label, pnlPercent, pnlAmount)
		if err == nil {
			break
		}
		time.Sleep((100 * time.Millisecond) << attempt)
	}
	if err != nil {
		t.st.UpdateRecommendation(ctx, r.ID, store.Patch{ClosePending: boolPtr(true)})
		t.bus.PublishLifecycleError(r.ID, "close failed after retries, marked close_pending", err)
		return
	}

	t.mu.Lock()
	delete(t.trailing, r.ID)
	t.mu.Unlock()

	t.exposure.Close(r.ID)
	t.recordCloseExecution(ctx, r, exitPrice, now, reason, pnlPercent, pnlAmount)
	t.bus.PublishClosed(r.ID, string(reason), pnlPercent, pnlAmount)
}

// recordCloseExecution appends the CLOSE fill record for a row the tracker
// just closed, mirroring recordOpenExecution on the admission side. Best
// effort: a failure here doesn't reopen the position or retry the close.
func (t *Tracker) recordCloseExecution(ctx context.Context, r *store.Recommendation, exitPrice float64, now time.Time, reason store.ExitReason, pnlPercent, pnlAmount float64) {
	exec := &store.Execution{
		ID:                uuid.New().String(),
		EventType:         store.ExecClose,
		RecommendationID:  r.ID,
		Symbol:            r.Symbol,
		Direction:         r.Direction,
		Size:              r.PositionSize,
		IntendedPrice:     exitPrice,
		IntendedTimestamp: now,
		FillPrice:         exitPrice,
		FillTimestamp:     now,
		PnLAmount:         &pnlAmount,
		PnLPercent:        &pnlPercent,
		Details:           map[string]interface{}{"exit_reason": reason},
	}
	if err := t.st.SaveExecution(ctx, exec); err != nil {
		t.bus.PublishLifecycleError(r.ID, "close execution persist failed", err)
	}
}

// CloseManual honours an externally requested MANUAL close, winning over
// any other exit reason evaluated in the same tick.
func (t *Tracker) CloseManual(ctx context.Context, id, label string) error {
	r, err := t.st.Get(ctx, id)
	if err != nil {
		return err
	}
	price, priceErr := t.feed.Get(r.Symbol)
	if priceErr != nil {
		price = r.CurrentPrice
	}
	t.closeRow(ctx, r, price, store.ExitManual, label, time.Now())
	return nil
}

// Expire closes the row with exit_reason TIMEOUT via the admin expire
// endpoint, bypassing the exit-priority state machine. Status lands on
// CLOSED, not a distinct EXPIRED value: an operator-initiated expire is a
// close with a specific label, not an automatic timeout.
func (t *Tracker) Expire(ctx context.Context, id, label string) error {
	r, err := t.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := t.st.ExpireRecommendation(ctx, id, time.Now(), label); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.trailing, id)
	t.mu.Unlock()
	t.exposure.Close(id)
	t.bus.PublishClosed(id, "TIMEOUT", 0, 0)
	return nil
}

func (t *Tracker) saveSample(ctx context.Context, id string, price *float64, now time.Time) {
	if err := t.st.SaveMonitoringSample(ctx, &store.MonitoringSample{
		RecommendationID: id,
		CheckTime:        now,
		CurrentPrice:     price,
	}); err != nil {
		t.log.Debug().Err(err).Str("id", id).Msg("failed to persist monitoring sample")
	}
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
