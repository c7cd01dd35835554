// Package gate is the Gate Pipeline (C5): an ordered fold of pure checks
// over a candidate, a RuntimeConfig snapshot, and an Exposure Index
// snapshot. The first gate to reject terminates the pipeline with a typed
// verdict; PERSIST always approves.
//
// Grounded on the teacher's circuit.CircuitBreaker.CanTrade and
// risk.Manager.CanOpenPosition, both of which implement "ordered list of
// checks, return the first failing reason" over a config + counters
// snapshot.
package gate

import (
	"time"

	"recoengine/internal/exposure"
	"recoengine/internal/runtimeconfig"
	"recoengine/internal/store"
)

// StageTag names a gate for DecisionStep.Stage.
type StageTag string

const (
	StageBasicValidation   StageTag = "BASIC_VALIDATION"
	StagePriceAvailability StageTag = "PRICE_AVAILABILITY"
	StageDuplicateCheck    StageTag = "DUPLICATE_CHECK"
	StageCooldown          StageTag = "COOLDOWN"
	StageExposureLimit     StageTag = "EXPOSURE_LIMIT"
	StageExposureCap       StageTag = "EXPOSURE_CAP"
	StageOppositeConstraint StageTag = "OPPOSITE_CONSTRAINT"
	StageMTFConsistency    StageTag = "MTF_CONSISTENCY"
	StageEVGate            StageTag = "EV_GATE"
	StagePersist           StageTag = "PERSIST"
)

// ActiveSnapshot is the slice of ACTIVE rows the DUPLICATE_CHECK and
// COOLDOWN gates consult. The admission controller reads it separately
// from the exposure snapshot; no lock spans the two reads.
type ActiveSnapshot struct {
	Rows []*store.Recommendation
}

// Candidate is the proposed recommendation under evaluation. Pointer
// fields are optional inputs; nil means "not supplied".
type Candidate struct {
	Symbol       string
	Direction    store.Direction
	EntryPrice   float64
	Leverage     float64
	PositionSize float64
	Confidence   float64

	BypassCooldown bool

	MTFAgreement        *float64
	MTFDominantDirection *store.Direction

	EV          *float64
	EVThreshold *float64
}

// GateContext bundles everything a gate evaluates against. It is pure:
// nothing a gate touches may mutate between Evaluate calls in the same
// pipeline run.
type GateContext struct {
	Now       time.Time
	Candidate Candidate
	Config    runtimeconfig.Config
	Active    ActiveSnapshot
	Exposure  exposure.Snapshot
	Price     float64
}

// Verdict is a gate's outcome.
type Verdict struct {
	Decision store.ChainDecision
	Reason   string
	Details  map[string]interface{}
}

func approve(details map[string]interface{}) Verdict {
	return Verdict{Decision: store.DecisionApproved, Details: details}
}

func reject(reason string, details map[string]interface{}) Verdict {
	return Verdict{Decision: store.DecisionRejected, Reason: reason, Details: details}
}

// Gate is one pipeline stage.
type Gate interface {
	Name() StageTag
	Evaluate(gc GateContext) Verdict
}

// Default returns the ten gates in spec order.
func Default() []Gate {
	return []Gate{
		basicValidation{},
		priceAvailability{},
		duplicateCheck{},
		cooldown{},
		exposureLimit{},
		exposureCap{},
		oppositeConstraint{},
		mtfConsistency{},
		evGate{},
		persist{},
	}
}

// Step is one gate's recorded outcome, ready to feed chain.Monitor.AddStep.
type Step struct {
	Stage   StageTag
	Verdict Verdict
}

// Result is the pipeline's overall outcome.
type Result struct {
	Steps    []Step
	Approved bool
	Reason   string
	Details  map[string]interface{}
	FailedAt StageTag
}

// Run folds gates in order, short-circuiting on the first reject.
func Run(gates []Gate, gc GateContext) Result {
	res := Result{}
	for _, g := range gates {
		v := g.Evaluate(gc)
		res.Steps = append(res.Steps, Step{Stage: g.Name(), Verdict: v})
		if v.Decision == store.DecisionRejected {
			res.Reason = v.Reason
			res.Details = v.Details
			res.FailedAt = g.Name()
			return res
		}
	}
	res.Approved = true
	return res
}
