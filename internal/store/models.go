// Package store is the durable, transactional record of recommendations,
// executions, monitoring samples and decision chains (C2). It wraps a
// PostgreSQL pool through jackc/pgx/v5, in the same idiom as the teacher's
// internal/database package: a thin Store struct, an ordered slice of
// idempotent migration statements run once at Open, and a flat set of
// methods each building a parameterized SQL string and scanning results.
package store

import "time"

// Direction is LONG or SHORT.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Status is the lifecycle status of a Recommendation.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusClosed  Status = "CLOSED"
	StatusExpired Status = "EXPIRED"
)

// ExitReason is set only at close.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitBreakeven  ExitReason = "BREAKEVEN"
	ExitTimeout    ExitReason = "TIMEOUT"
	ExitManual     ExitReason = "MANUAL"
)

// Recommendation is one row of the core table.
type Recommendation struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Leverage     float64   `json:"leverage"`
	PositionSize float64   `json:"position_size"`

	StopLossPrice   *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64 `json:"take_profit_price,omitempty"`

	TrailingOverrideJSON *string `json:"trailing_override,omitempty"`

	ATRValue         *float64 `json:"atr_value,omitempty"`
	ATRPeriod        *int     `json:"atr_period,omitempty"`
	ATRSLMultiplier  *float64 `json:"atr_sl_multiplier,omitempty"`
	ATRTPMultiplier  *float64 `json:"atr_tp_multiplier,omitempty"`

	TP1Hit          bool    `json:"tp1_hit"`
	TP2Hit          bool    `json:"tp2_hit"`
	TP3Hit          bool    `json:"tp3_hit"`
	ReductionCount  int     `json:"reduction_count"`
	ReductionRatio  float64 `json:"reduction_ratio"`

	ExpectedReturn *float64 `json:"expected_return,omitempty"`
	EV             *float64 `json:"ev,omitempty"`
	EVThreshold    *float64 `json:"ev_threshold,omitempty"`
	EVOk           *bool    `json:"ev_ok,omitempty"`

	Status Status `json:"status"`

	ExitPrice     *float64    `json:"exit_price,omitempty"`
	ExitTime      *time.Time  `json:"exit_time,omitempty"`
	ExitReason    *ExitReason `json:"exit_reason,omitempty"`
	ExitLabel     *string     `json:"exit_label,omitempty"`
	PnLPercent    *float64    `json:"pnl_percent,omitempty"`
	PnLAmount     *float64    `json:"pnl_amount,omitempty"`
	ClosePending  bool        `json:"close_pending"`

	Source        *string `json:"source,omitempty"`
	StrategyType  *string `json:"strategy_type,omitempty"`
	ABGroup       *string `json:"ab_group,omitempty"`
	ExperimentID  *string `json:"experiment_id,omitempty"`
	DedupeKey     *string `json:"dedupe_key,omitempty"`

	// MTFAgreementJSON holds the raw metadata.multiTFConsistency payload
	// echoed back by MTF_CONSISTENCY, serialized as JSON text.
	MTFAgreementJSON *string `json:"mtf_agreement,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Age returns how long the recommendation has been open as of now.
func (r *Recommendation) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// ActiveFilter narrows list_active.
type ActiveFilter struct {
	Symbol    string
	Direction Direction
}

// QueryFilter narrows query() over all recommendations, active or terminal.
type QueryFilter struct {
	Symbol    string
	Status    Status
	ABGroup   string
	Start     *time.Time
	End       *time.Time
}

// ChainDecision is the outcome of a DecisionChain or DecisionStep.
type ChainDecision string

const (
	DecisionApproved ChainDecision = "APPROVED"
	DecisionRejected ChainDecision = "REJECTED"
	DecisionPending  ChainDecision = "PENDING"
)

// DecisionStep is one stage of an admission attempt.
type DecisionStep struct {
	Stage     string                 `json:"stage"`
	Decision  ChainDecision          `json:"decision"`
	Reason    string                 `json:"reason"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DecisionChain is the audit record of one admission attempt.
type DecisionChain struct {
	ChainID            string          `json:"chain_id"`
	Symbol             string          `json:"symbol"`
	Direction          Direction       `json:"direction"`
	Source             string          `json:"source"`
	CreatedAt          time.Time       `json:"created_at"`
	EndAt              *time.Time      `json:"end_at,omitempty"`
	FinalDecision      ChainDecision   `json:"final_decision"`
	FinalReason        string          `json:"final_reason,omitempty"`
	RecommendationID   *string         `json:"recommendation_id,omitempty"`
	ExecutionID        *string         `json:"execution_id,omitempty"`
	Steps              []DecisionStep  `json:"steps"`
}

// ChainFilter narrows query_decision_chains.
type ChainFilter struct {
	Symbol string
	Status ChainDecision
}

// ExecutionType distinguishes an append-only execution event.
type ExecutionType string

const (
	ExecOpen   ExecutionType = "OPEN"
	ExecClose  ExecutionType = "CLOSE"
	ExecReduce ExecutionType = "REDUCE"
)

// Execution is an append-only fill record.
type Execution struct {
	ID                 string        `json:"id"`
	EventType          ExecutionType `json:"event_type"`
	RecommendationID   string        `json:"recommendation_id"`
	Symbol             string        `json:"symbol"`
	Direction          Direction     `json:"direction"`
	Size               float64       `json:"size"`
	IntendedPrice      float64       `json:"intended_price"`
	IntendedTimestamp  time.Time     `json:"intended_timestamp"`
	FillPrice          float64       `json:"fill_price"`
	FillTimestamp      time.Time     `json:"fill_timestamp"`
	LatencyMs          int64         `json:"latency_ms"`
	SlippageBps        float64       `json:"slippage_bps"`
	FeeBps             float64       `json:"fee_bps"`
	FeeAmount          float64       `json:"fee_amount"`
	PnLAmount          *float64      `json:"pnl_amount,omitempty"`
	PnLPercent         *float64      `json:"pnl_percent,omitempty"`
	ExtraJSON          *string       `json:"extra,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`

	// Details is marshaled into ExtraJSON by SaveExecution when set and
	// ExtraJSON itself is nil, so callers can pass a plain map instead of
	// pre-serializing it.
	Details interface{} `json:"-"`
}

// MonitoringSample is one evaluation pass recorded for audit.
type MonitoringSample struct {
	ID                 int64     `json:"id"`
	RecommendationID   string    `json:"recommendation_id"`
	CheckTime          time.Time `json:"check_time"`
	CurrentPrice       *float64  `json:"current_price,omitempty"`
	ExtraJSON          *string   `json:"extra,omitempty"`
}

// Patch is a partial update applied to a recommendation row. Only non-nil
// fields are written.
type Patch struct {
	CurrentPrice    *float64
	StopLossPrice   *float64
	TakeProfitPrice *float64
	TP1Hit          *bool
	TP2Hit          *bool
	TP3Hit          *bool
	ReductionCount  *int
	ReductionRatio  *float64
	EV              *float64
	EVThreshold     *float64
	EVOk            *bool
	ClosePending    *bool
}
