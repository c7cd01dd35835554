// Package chain is the Decision-Chain Monitor (C4): it opens a chain per
// admission attempt, appends stages, finalizes APPROVED/REJECTED, and
// supports replay. Grounded on the teacher's orders.ChainTracker/ChainState
// (an in-memory map guarded by sync.RWMutex, explicit not-found/
// already-exists error variants), generalized from "fills per order type"
// to "decision steps per chain".
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"recoengine/internal/clock"
	"recoengine/internal/engineerr"
	"recoengine/internal/gate"
	"recoengine/internal/store"
)

// StartInput describes a new admission attempt.
type StartInput struct {
	Symbol    string
	Direction store.Direction
	Source    string
}

// Monitor tracks in-flight decision chains and persists them through the
// store as they progress.
type Monitor struct {
	mu     sync.RWMutex
	chains map[string]*store.DecisionChain
	inputs map[string]gate.GateContext

	clock clock.Clock
	st    *store.Store
	log   zerolog.Logger
}

// New creates a Monitor backed by st for persistence.
func New(c clock.Clock, st *store.Store) *Monitor {
	return &Monitor{
		chains: make(map[string]*store.DecisionChain),
		inputs: make(map[string]gate.GateContext),
		clock:  c,
		st:     st,
		log:    log.With().Str("component", "chain").Logger(),
	}
}

// SetInputs captures the gate inputs an admission attempt ran against, so
// the chain can later be replayed. Inputs are held in memory only; a chain
// started before a process restart cannot be replayed.
func (m *Monitor) SetInputs(chainID string, gc gate.GateContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[chainID] = gc
}

// NewChainID mints a debuggable-but-opaque chain id:
// CHAIN|<symbol>|<direction>|<createdMs>|<nonce>.
func NewChainID(symbol string, direction store.Direction, createdAt time.Time) string {
	nonce := uuid.New().String()[:8]
	return fmt.Sprintf("CHAIN|%s|%s|%d|%s", symbol, direction, createdAt.UnixMilli(), nonce)
}

// StartChain creates a PENDING chain and returns its id.
func (m *Monitor) StartChain(in StartInput) string {
	now := m.clock.Now()
	id := NewChainID(in.Symbol, in.Direction, now)

	c := &store.DecisionChain{
		ChainID:       id,
		Symbol:        in.Symbol,
		Direction:     in.Direction,
		Source:        in.Source,
		CreatedAt:     now,
		FinalDecision: store.DecisionPending,
	}

	m.mu.Lock()
	m.chains[id] = c
	m.mu.Unlock()

	m.log.Debug().Str("chain_id", id).Str("symbol", in.Symbol).Msg("chain started")
	return id
}

// AddStep appends a decision step, stamped with the current time.
func (m *Monitor) AddStep(chainID string, step store.DecisionStep) error {
	step.Timestamp = m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[chainID]
	if !ok {
		return fmt.Errorf("add step to %s: %w", chainID, engineerr.ErrChainNotFound)
	}
	if c.FinalDecision != store.DecisionPending {
		return fmt.Errorf("add step to %s: %w", chainID, engineerr.ErrChainAlreadyFinal)
	}
	c.Steps = append(c.Steps, step)
	return nil
}

// LinkRecommendation sets the audit link to the approved recommendation.
func (m *Monitor) LinkRecommendation(chainID, recID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[chainID]
	if !ok {
		return fmt.Errorf("link recommendation to %s: %w", chainID, engineerr.ErrChainNotFound)
	}
	c.RecommendationID = &recID
	return nil
}

// LinkExecution sets the audit link to an execution record.
func (m *Monitor) LinkExecution(chainID, execID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[chainID]
	if !ok {
		return fmt.Errorf("link execution to %s: %w", chainID, engineerr.ErrChainNotFound)
	}
	c.ExecutionID = &execID
	return nil
}

// Finalize computes final_decision from the recorded steps and persists
// the chain. A second call is a no-op.
func (m *Monitor) Finalize(ctx context.Context, chainID string) error {
	m.mu.Lock()
	c, ok := m.chains[chainID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("finalize %s: %w", chainID, engineerr.ErrChainNotFound)
	}
	if c.FinalDecision != store.DecisionPending {
		m.mu.Unlock()
		return nil
	}

	decision := store.DecisionPending
	reason := ""
	for _, step := range c.Steps {
		if step.Decision == store.DecisionRejected {
			decision = store.DecisionRejected
			reason = step.Reason
			break
		}
	}
	if decision == store.DecisionPending {
		for _, step := range c.Steps {
			if step.Decision == store.DecisionApproved {
				decision = store.DecisionApproved
				break
			}
		}
	}

	now := m.clock.Now()
	c.FinalDecision = decision
	c.FinalReason = reason
	c.EndAt = &now
	m.mu.Unlock()

	if m.st == nil {
		return nil
	}
	if err := m.st.SaveDecisionChain(ctx, c); err != nil {
		m.log.Warn().Err(err).Str("chain_id", chainID).Msg("failed to persist finalized chain")
		return fmt.Errorf("finalize %s: persist: %w", chainID, err)
	}
	return nil
}

// FinalizeCancelled finalizes a chain as PENDING with a reason, used when
// the surrounding context is cancelled before a decision is reached.
func (m *Monitor) FinalizeCancelled(chainID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[chainID]
	if !ok {
		return
	}
	if c.FinalDecision == store.DecisionPending {
		c.FinalReason = reason
		now := m.clock.Now()
		c.EndAt = &now
	}
}

// Get returns a copy of the chain's current steps.
func (m *Monitor) Get(chainID string) (*store.DecisionChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("get chain %s: %w", chainID, engineerr.ErrChainNotFound)
	}
	cp := *c
	cp.Steps = append([]store.DecisionStep(nil), c.Steps...)
	return &cp, nil
}

// Difference is the first stage at which a replay diverged from the
// original chain, or the zero value when none did.
type Difference struct {
	Stage            string              `json:"stage"`
	OriginalDecision store.ChainDecision `json:"original_decision"`
	ReplayDecision   store.ChainDecision `json:"replay_decision"`
	OriginalReason   string              `json:"original_reason"`
	ReplayReason     string              `json:"replay_reason"`
}

// ReplayResult is the replay(chain_id) response.
type ReplayResult struct {
	ChainID     string              `json:"chain_id"`
	Original    *store.DecisionChain `json:"original"`
	Replay      gate.Result         `json:"replay"`
	Differences []Difference        `json:"differences"`
	Analysis    string              `json:"analysis"`
}

// Replay re-runs gates against the inputs captured when chainID was
// originally admitted and diffs stage-by-stage against what actually
// happened. The gate pipeline passed in is the caller's current one, so a
// rule change after the fact is visible as a difference.
func (m *Monitor) Replay(chainID string, gates []gate.Gate) (*ReplayResult, error) {
	m.mu.RLock()
	c, ok := m.chains[chainID]
	gc, hasInputs := m.inputs[chainID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("replay %s: %w", chainID, engineerr.ErrChainNotFound)
	}
	if !hasInputs {
		return nil, fmt.Errorf("replay %s: inputs not captured (process restarted since admission?)", chainID)
	}

	original := *c
	original.Steps = append([]store.DecisionStep(nil), c.Steps...)

	result := gate.Run(gates, gc)

	// The admission controller's START step records inputs, not a gate
	// outcome, so it is left out of the stage-by-stage comparison.
	var gateSteps []store.DecisionStep
	for _, s := range original.Steps {
		if s.Stage != "START" {
			gateSteps = append(gateSteps, s)
		}
	}
	diffs := diffSteps(gateSteps, result.Steps)
	analysis := "identical"
	if len(diffs) > 0 {
		analysis = fmt.Sprintf("diverged at stage %s", diffs[0].Stage)
	}

	return &ReplayResult{
		ChainID:     chainID,
		Original:    &original,
		Replay:      result,
		Differences: diffs,
		Analysis:    analysis,
	}, nil
}

func diffSteps(original []store.DecisionStep, replay []gate.Step) []Difference {
	var diffs []Difference
	n := len(original)
	if len(replay) < n {
		n = len(replay)
	}
	for i := 0; i < n; i++ {
		o, r := original[i], replay[i]
		if o.Decision != r.Verdict.Decision || o.Reason != r.Verdict.Reason {
			diffs = append(diffs, Difference{
				Stage:            string(r.Stage),
				OriginalDecision: o.Decision,
				ReplayDecision:   r.Verdict.Decision,
				OriginalReason:   o.Reason,
				ReplayReason:     r.Verdict.Reason,
			})
			break
		}
	}
	if len(original) != len(replay) && len(diffs) == 0 {
		diffs = append(diffs, Difference{Stage: "LENGTH_MISMATCH"})
	}
	return diffs
}

// BatchReplayOptions configures batch_replay.
type BatchReplayOptions struct {
	MaxConcurrency int
}

// BatchResult is the batch_replay(ids, opts) response.
type BatchResult struct {
	Total      int                       `json:"total"`
	Successful int                       `json:"successful"`
	Failed     int                       `json:"failed"`
	Results    map[string]*ReplayResult  `json:"results"`
	Errors     map[string]string         `json:"errors,omitempty"`
	Summary    string                    `json:"summary"`
}

// BatchReplay replays every id concurrently, bounded by opts.MaxConcurrency
// (default 4), mirroring the teacher's scanner worker-pool shape: a
// buffered-channel semaphore feeding a fixed set of goroutines.
func (m *Monitor) BatchReplay(ids []string, gates []gate.Gate, opts BatchReplayOptions) *BatchResult {
	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make(map[string]*ReplayResult, len(ids))
	errs := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	idChan := make(chan string, len(ids))
	for _, id := range ids {
		idChan <- id
	}
	close(idChan)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range idChan {
				r, err := m.Replay(id, gates)
				mu.Lock()
				if err != nil {
					errs[id] = err.Error()
				} else {
					results[id] = r
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	br := &BatchResult{
		Total:      len(ids),
		Successful: len(results),
		Failed:     len(errs),
		Results:    results,
	}
	if len(errs) > 0 {
		br.Errors = errs
	}
	br.Summary = fmt.Sprintf("%d/%d replayed successfully", br.Successful, br.Total)
	return br
}
