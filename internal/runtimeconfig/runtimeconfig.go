// Package runtimeconfig holds the RuntimeConfig snapshot described in the
// data model: the mutable thresholds, caps, cooldowns and flags that the
// gate pipeline and lifecycle tracker consult on every admission and tick.
//
// The snapshot is swapped atomically by a single writer (Store.Update);
// readers take Store.Snapshot() once per request and operate on an
// immutable value, which is the only sane ordering model under parallel
// admissions (see design notes on replacing mutable module state).
package runtimeconfig

import (
	"encoding/json"
	"os"
	"sync/atomic"
)

// DirectionCaps carries a LONG/SHORT pair of numeric caps.
type DirectionCaps struct {
	Long  float64 `json:"LONG"`
	Short float64 `json:"SHORT"`
}

// NetExposureCaps bounds notional exposure (position_size * leverage).
type NetExposureCaps struct {
	Total        float64       `json:"total"`
	PerDirection DirectionCaps `json:"per_direction"`
}

// HourlyOrderCaps bounds the count of admissions per clock hour (counters
// start again at the top of each hour).
type HourlyOrderCaps struct {
	Total        int `json:"total"`
	PerDirection int `json:"per_direction"`
}

// EntryFilters gates admission on multi-timeframe agreement.
type EntryFilters struct {
	RequireMTFAgreement bool    `json:"require_mtf_agreement"`
	MinMTFAgreement     float64 `json:"min_mtf_agreement"`
}

// Trailing controls the lifecycle tracker's trailing-stop behaviour.
type Trailing struct {
	Enabled            bool    `json:"enabled"`
	ActivateOnBreakeven bool   `json:"activate_on_breakeven"`
	ActivateProfitPct  float64 `json:"activate_profit_pct"`
	Percent            float64 `json:"percent"`
	MinStep            float64 `json:"min_step"`
}

// Testing gates the test-only override hooks described in §6.
type Testing struct {
	AllowPriceOverride  bool `json:"allow_price_override"`
	AllowFGIOverride    bool `json:"allow_fgi_override"`
	AllowFundingOverride bool `json:"allow_funding_override"`
}

// PartialTakeProfit stages the exit at take_profit_price into three
// progressive reductions instead of one full close, mirroring the
// teacher's TP1/TP2/TP3 staged-exit levels. Since a recommendation only
// carries a single take_profit_price, the levels are expressed as
// fractions of the entry→take_profit_price distance rather than
// independent prices; TP3 (fraction 1.0, i.e. take_profit_price itself)
// is the final level and the only one that closes the position.
type PartialTakeProfit struct {
	Enabled     bool    `json:"enabled"`
	TP1Fraction float64 `json:"tp1_fraction"`
	TP2Fraction float64 `json:"tp2_fraction"`
	TP1Ratio    float64 `json:"tp1_ratio"`
	TP2Ratio    float64 `json:"tp2_ratio"`
	TP3Ratio    float64 `json:"tp3_ratio"`
}

// Config is the full effective RuntimeConfig snapshot.
type Config struct {
	CooldownSameDirectionMs  int64           `json:"cooldown_same_direction_ms"`
	CooldownOppositeMs       int64           `json:"cooldown_opposite_ms"`
	GlobalMinIntervalMs      int64           `json:"global_min_interval_ms"`
	MaxSameDirectionActives  int             `json:"max_same_direction_actives"`
	ConcurrencyCountAgeHours float64         `json:"concurrency_count_age_hours"`
	NetExposureCaps          NetExposureCaps `json:"net_exposure_caps"`
	HourlyOrderCaps          HourlyOrderCaps `json:"hourly_order_caps"`
	MinHoldingMinutes        float64         `json:"min_holding_minutes"`
	MaxHoldingHours          float64         `json:"max_holding_hours"`
	DuplicateBpsThreshold    float64         `json:"duplicate_bps_threshold"`
	EntryFilters             EntryFilters    `json:"entry_filters"`
	AllowOppositeWhileOpen   bool            `json:"allow_opposite_while_open"`
	OppositeMinConfidence    float64         `json:"opposite_min_confidence"`
	Trailing                 Trailing        `json:"trailing"`
	PartialTakeProfit        PartialTakeProfit `json:"partial_take_profit"`
	Testing                  Testing         `json:"testing"`
	EVThresholdDefault       float64         `json:"ev_threshold_default"`
	EVGateHardReject         bool            `json:"ev_gate_hard_reject"`
}

// Default returns the engine's built-in defaults, used when no persisted
// file exists yet and as the fallback for any field a loaded file omits.
func Default() Config {
	return Config{
		CooldownSameDirectionMs:  30_000,
		CooldownOppositeMs:       0,
		GlobalMinIntervalMs:      0,
		MaxSameDirectionActives:  5,
		ConcurrencyCountAgeHours: 24,
		NetExposureCaps: NetExposureCaps{
			Total:        100,
			PerDirection: DirectionCaps{Long: 100, Short: 100},
		},
		HourlyOrderCaps: HourlyOrderCaps{Total: 0, PerDirection: 0},
		MinHoldingMinutes:     0,
		MaxHoldingHours:       0,
		DuplicateBpsThreshold: 20,
		EntryFilters:          EntryFilters{RequireMTFAgreement: false, MinMTFAgreement: 0.7},
		AllowOppositeWhileOpen: true,
		OppositeMinConfidence:  0,
		Trailing: Trailing{
			Enabled:             false,
			ActivateOnBreakeven: false,
			ActivateProfitPct:   0,
			Percent:             1,
			MinStep:             0,
		},
		PartialTakeProfit: PartialTakeProfit{
			Enabled:     false,
			TP1Fraction: 0.4,
			TP2Fraction: 0.7,
			TP1Ratio:    0.3,
			TP2Ratio:    0.5,
			TP3Ratio:    0.8,
		},
		Testing:            Testing{AllowPriceOverride: true},
		EVThresholdDefault: 0,
		EVGateHardReject:   false,
	}
}

// Store is the single-writer holder of the effective RuntimeConfig.
// Observers call Snapshot() to obtain a coherent, immutable reference;
// Update() installs a new snapshot atomically.
type Store struct {
	ptr      atomic.Pointer[Config]
	path     string
	lastGood atomic.Pointer[Config]
}

// NewStore creates a Store initialized from a persisted JSON file at path.
// If the file does not exist, the built-in defaults are used and persisted
// on the first Update call.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		loaded := Default()
		if jsonErr := json.Unmarshal(data, &loaded); jsonErr == nil {
			cfg = loaded
		}
	}
	s.ptr.Store(&cfg)
	s.lastGood.Store(&cfg)
	return s, nil
}

// Snapshot returns the current effective config. The returned value is
// never mutated in place; callers may hold onto it for the duration of one
// admission attempt or tick.
func (s *Store) Snapshot() Config {
	if p := s.ptr.Load(); p != nil {
		return *p
	}
	return Default()
}

// Update installs a new config atomically and persists it to disk. On
// write failure, the prior snapshot remains effective (config read
// failure falls back to last-known-good, per the lifecycle tracker's
// failure semantics).
func (s *Store) Update(next Config) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if s.path != "" {
		if err := os.WriteFile(s.path, data, 0o644); err != nil {
			return err
		}
	}
	s.ptr.Store(&next)
	s.lastGood.Store(&next)
	return nil
}

// LastGood returns the last snapshot that was successfully installed,
// used when a config read fails mid-tick.
func (s *Store) LastGood() Config {
	if p := s.lastGood.Load(); p != nil {
		return *p
	}
	return Default()
}
