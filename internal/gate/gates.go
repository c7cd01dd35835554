package gate

import (
	"math"
	"time"

	"recoengine/internal/exposure"
	"recoengine/internal/store"
)

type basicValidation struct{}

func (basicValidation) Name() StageTag { return StageBasicValidation }

func (basicValidation) Evaluate(gc GateContext) Verdict {
	c := gc.Candidate
	if c.Symbol == "" {
		return reject("VALIDATION_ERROR", map[string]interface{}{"field": "symbol"})
	}
	if c.EntryPrice <= 0 {
		return reject("VALIDATION_ERROR", map[string]interface{}{"field": "entry_price"})
	}
	if c.Leverage <= 0 {
		return reject("VALIDATION_ERROR", map[string]interface{}{"field": "leverage"})
	}
	if c.Direction != store.Long && c.Direction != store.Short {
		return reject("VALIDATION_ERROR", map[string]interface{}{"field": "direction"})
	}
	return approve(nil)
}

type priceAvailability struct{}

func (priceAvailability) Name() StageTag { return StagePriceAvailability }

func (priceAvailability) Evaluate(gc GateContext) Verdict {
	if gc.Price <= 0 {
		return reject("NO_PRICE", map[string]interface{}{"symbol": gc.Candidate.Symbol})
	}
	return approve(map[string]interface{}{"price": gc.Price})
}

type duplicateCheck struct{}

func (duplicateCheck) Name() StageTag { return StageDuplicateCheck }

func (duplicateCheck) Evaluate(gc GateContext) Verdict {
	c := gc.Candidate
	threshold := gc.Config.DuplicateBpsThreshold
	if threshold <= 0 {
		threshold = 20
	}

	var matches []string
	for _, r := range gc.Active.Rows {
		if r.Symbol != c.Symbol || r.Direction != c.Direction {
			continue
		}
		if r.EntryPrice <= 0 {
			continue
		}
		bps := math.Abs(c.EntryPrice-r.EntryPrice) / r.EntryPrice * 10000
		if bps <= threshold {
			matches = append(matches, r.ID)
		}
	}
	if len(matches) > 0 {
		return reject("DUPLICATE_RECOMMENDATION", map[string]interface{}{"matchedIds": matches})
	}
	return approve(nil)
}

type cooldown struct{}

func (cooldown) Name() StageTag { return StageCooldown }

func (cooldown) Evaluate(gc GateContext) Verdict {
	c := gc.Candidate
	if c.BypassCooldown {
		return approve(map[string]interface{}{"bypassed": true})
	}

	key := exposure.Key{Symbol: c.Symbol, Direction: c.Direction}
	now := gc.Now

	if lastSame, ok := gc.Exposure.LastCreatedAt[key]; ok {
		window := time.Duration(gc.Config.CooldownSameDirectionMs) * time.Millisecond
		if remaining := window - now.Sub(lastSame); remaining > 0 {
			return cooldownReject(lastSame, remaining)
		}
	}

	if lastOpp, ok := gc.Exposure.LastOppositeAt[c.Symbol]; ok {
		window := time.Duration(gc.Config.CooldownOppositeMs) * time.Millisecond
		if remaining := window - now.Sub(lastOpp); remaining > 0 {
			return cooldownReject(lastOpp, remaining)
		}
	}

	if latest := latestCreation(gc.Exposure); !latest.IsZero() {
		window := time.Duration(gc.Config.GlobalMinIntervalMs) * time.Millisecond
		if remaining := window - now.Sub(latest); remaining > 0 {
			return cooldownReject(latest, remaining)
		}
	}

	if cap := gc.Config.HourlyOrderCaps.Total; cap > 0 && gc.Exposure.HourlyTotal >= cap {
		return reject("COOLDOWN_ACTIVE", map[string]interface{}{"reason": "hourly_total_cap", "cap": cap, "current": gc.Exposure.HourlyTotal})
	}
	if dirCap := gc.Config.HourlyOrderCaps.PerDirection; dirCap > 0 && gc.Exposure.HourlyPerDir[c.Direction] >= dirCap {
		return reject("COOLDOWN_ACTIVE", map[string]interface{}{"reason": "hourly_direction_cap", "cap": dirCap, "current": gc.Exposure.HourlyPerDir[c.Direction]})
	}

	return approve(nil)
}

func cooldownReject(last time.Time, remaining time.Duration) Verdict {
	return reject("COOLDOWN_ACTIVE", map[string]interface{}{
		"remainingMs":     remaining.Milliseconds(),
		"nextAvailableAt": last.Add(remaining),
		"lastCreatedAt":   last,
	})
}

func latestCreation(snap exposure.Snapshot) time.Time {
	var latest time.Time
	for _, t := range snap.LastCreatedAt {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

type exposureLimit struct{}

func (exposureLimit) Name() StageTag { return StageExposureLimit }

func (exposureLimit) Evaluate(gc GateContext) Verdict {
	c := gc.Candidate
	max := gc.Config.MaxSameDirectionActives
	if max <= 0 {
		return approve(nil)
	}
	key := exposure.Key{Symbol: c.Symbol, Direction: c.Direction}
	current := gc.Exposure.Count[key]
	if current >= max {
		return reject("EXPOSURE_LIMIT", map[string]interface{}{
			"maxSameDirection": max,
			"currentCount":     current,
			"windowHours":      gc.Config.ConcurrencyCountAgeHours,
			"symbol":           c.Symbol,
			"direction":        c.Direction,
		})
	}
	return approve(nil)
}

type exposureCap struct{}

func (exposureCap) Name() StageTag { return StageExposureCap }

func (exposureCap) Evaluate(gc GateContext) Verdict {
	c := gc.Candidate
	adding := c.PositionSize * c.Leverage

	totalCap := gc.Config.NetExposureCaps.Total
	currentTotal := gc.Exposure.TotalNotional
	if totalCap > 0 && currentTotal+adding > totalCap {
		return reject("EXPOSURE_CAP", map[string]interface{}{
			"totalCap":     totalCap,
			"currentTotal": currentTotal,
			"adding":       adding,
		})
	}

	var dirCap float64
	if c.Direction == store.Long {
		dirCap = gc.Config.NetExposureCaps.PerDirection.Long
	} else {
		dirCap = gc.Config.NetExposureCaps.PerDirection.Short
	}
	currentDirection := gc.Exposure.Notional[c.Direction]
	if dirCap > 0 && currentDirection+adding > dirCap {
		return reject("EXPOSURE_CAP", map[string]interface{}{
			"dirCap":           dirCap,
			"currentDirection": currentDirection,
			"adding":           adding,
		})
	}

	return approve(nil)
}

type oppositeConstraint struct{}

func (oppositeConstraint) Name() StageTag { return StageOppositeConstraint }

func (oppositeConstraint) Evaluate(gc GateContext) Verdict {
	c := gc.Candidate
	opposite := store.Short
	if c.Direction == store.Short {
		opposite = store.Long
	}
	key := exposure.Key{Symbol: c.Symbol, Direction: opposite}
	_, hasOpposite := gc.Exposure.Count[key]

	if !hasOpposite {
		return approve(nil)
	}

	if !gc.Config.AllowOppositeWhileOpen {
		return reject("OPPOSITE_CONSTRAINT", map[string]interface{}{"symbol": c.Symbol})
	}
	if c.Confidence < gc.Config.OppositeMinConfidence {
		return reject("OPPOSITE_CONSTRAINT", map[string]interface{}{
			"symbol":     c.Symbol,
			"confidence": c.Confidence,
			"required":   gc.Config.OppositeMinConfidence,
		})
	}
	return approve(nil)
}

type mtfConsistency struct{}

func (mtfConsistency) Name() StageTag { return StageMTFConsistency }

func (mtfConsistency) Evaluate(gc GateContext) Verdict {
	if !gc.Config.EntryFilters.RequireMTFAgreement {
		return approve(nil)
	}
	c := gc.Candidate
	if c.MTFAgreement == nil || c.MTFDominantDirection == nil {
		return reject("MTF_CONSISTENCY", map[string]interface{}{
			"requireMTFAgreement": true,
			"minMTFAgreement":     gc.Config.EntryFilters.MinMTFAgreement,
		})
	}
	if *c.MTFAgreement < gc.Config.EntryFilters.MinMTFAgreement || *c.MTFDominantDirection != c.Direction {
		return reject("MTF_CONSISTENCY", map[string]interface{}{
			"requireMTFAgreement": true,
			"minMTFAgreement":     gc.Config.EntryFilters.MinMTFAgreement,
			"agreement":           *c.MTFAgreement,
			"dominantDirection":   *c.MTFDominantDirection,
		})
	}
	return approve(map[string]interface{}{
		"agreement":         *c.MTFAgreement,
		"dominantDirection": *c.MTFDominantDirection,
	})
}

type evGate struct{}

func (evGate) Name() StageTag { return StageEVGate }

func (evGate) Evaluate(gc GateContext) Verdict {
	c := gc.Candidate
	if c.EV == nil || c.EVThreshold == nil {
		return approve(nil)
	}
	evOk := *c.EV >= *c.EVThreshold
	details := map[string]interface{}{"ev": *c.EV, "evThreshold": *c.EVThreshold, "evOk": evOk}
	if !evOk && gc.Config.EVGateHardReject {
		return reject("EV_GATE", details)
	}
	return approve(details)
}

type persist struct{}

func (persist) Name() StageTag { return StagePersist }

func (persist) Evaluate(gc GateContext) Verdict {
	return approve(nil)
}
