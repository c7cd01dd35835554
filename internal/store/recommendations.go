package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"recoengine/internal/engineerr"
)

// InsertRecommendation inserts a new row. id must already be assigned by
// the caller (the admission controller mints it via google/uuid) and must
// not already exist.
func (s *Store) InsertRecommendation(ctx context.Context, r *Recommendation) error {
	var trailing, mtf interface{}
	if r.TrailingOverrideJSON != nil {
		trailing = *r.TrailingOverrideJSON
	}
	if r.MTFAgreementJSON != nil {
		mtf = *r.MTFAgreementJSON
	}

	query := `
		INSERT INTO recommendations (
			id, symbol, direction, entry_price, current_price, leverage, position_size,
			stop_loss_price, take_profit_price, trailing_override,
			atr_value, atr_period, atr_sl_multiplier, atr_tp_multiplier,
			expected_return, ev, ev_threshold, ev_ok,
			status, source, strategy_type, ab_group, experiment_id, dedupe_key, mtf_agreement
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25
		)
		RETURNING created_at, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		r.ID, r.Symbol, r.Direction, r.EntryPrice, r.CurrentPrice, r.Leverage, r.PositionSize,
		r.StopLossPrice, r.TakeProfitPrice, trailing,
		r.ATRValue, r.ATRPeriod, r.ATRSLMultiplier, r.ATRTPMultiplier,
		r.ExpectedReturn, r.EV, r.EVThreshold, r.EVOk,
		r.Status, r.Source, r.StrategyType, r.ABGroup, r.ExperimentID, r.DedupeKey, mtf,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert recommendation %s: %w", r.ID, engineerr.ErrRecommendationExists)
		}
		return fmt.Errorf("insert recommendation: %w", err)
	}
	return nil
}

// UpdateRecommendation applies a partial update under row lock.
func (s *Store) UpdateRecommendation(ctx context.Context, id string, patch Patch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.CurrentPrice != nil {
		add("current_price", *patch.CurrentPrice)
	}
	if patch.StopLossPrice != nil {
		add("stop_loss_price", *patch.StopLossPrice)
	}
	if patch.TakeProfitPrice != nil {
		add("take_profit_price", *patch.TakeProfitPrice)
	}
	if patch.TP1Hit != nil {
		add("tp1_hit", *patch.TP1Hit)
	}
	if patch.TP2Hit != nil {
		add("tp2_hit", *patch.TP2Hit)
	}
	if patch.TP3Hit != nil {
		add("tp3_hit", *patch.TP3Hit)
	}
	if patch.ReductionCount != nil {
		add("reduction_count", *patch.ReductionCount)
	}
	if patch.ReductionRatio != nil {
		add("reduction_ratio", *patch.ReductionRatio)
	}
	if patch.EV != nil {
		add("ev", *patch.EV)
	}
	if patch.EVThreshold != nil {
		add("ev_threshold", *patch.EVThreshold)
	}
	if patch.EVOk != nil {
		add("ev_ok", *patch.EVOk)
	}
	if patch.ClosePending != nil {
		add("close_pending", *patch.ClosePending)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE recommendations SET %s WHERE id = $%d`, joinSets(sets), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update recommendation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update recommendation %s: %w", id, engineerr.ErrRecommendationNotFound)
	}
	return nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// CloseRecommendation sets terminal status only if current status = ACTIVE;
// otherwise it is a no-op returning engineerr.ErrNotActive so the caller
// can treat a repeated close idempotently.
func (s *Store) CloseRecommendation(ctx context.Context, id string, exitPrice float64, exitTime time.Time, reason ExitReason, label string, pnlPercent, pnlAmount float64) error {
	query := `
		UPDATE recommendations
		SET status = 'CLOSED', exit_price = $2, exit_time = $3, exit_reason = $4,
		    exit_label = $5, pnl_percent = $6, pnl_amount = $7, close_pending = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'
	`
	tag, err := s.pool.Exec(ctx, query, id, exitPrice, exitTime, reason, label, pnlPercent, pnlAmount)
	if err != nil {
		return fmt.Errorf("close recommendation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close recommendation %s: %w", id, engineerr.ErrNotActive)
	}
	return nil
}

// ExpireRecommendation sets terminal status CLOSED with exit_reason TIMEOUT,
// used by POST /recommendations/:id/expire.
func (s *Store) ExpireRecommendation(ctx context.Context, id string, now time.Time, label string) error {
	return s.CloseRecommendation(ctx, id, 0, now, ExitTimeout, label, 0, 0)
}

var recommendationColumns = `
	id, symbol, direction, entry_price, current_price, leverage, position_size,
	stop_loss_price, take_profit_price, trailing_override,
	atr_value, atr_period, atr_sl_multiplier, atr_tp_multiplier,
	tp1_hit, tp2_hit, tp3_hit, reduction_count, reduction_ratio,
	expected_return, ev, ev_threshold, ev_ok,
	status, exit_price, exit_time, exit_reason, exit_label, pnl_percent, pnl_amount, close_pending,
	source, strategy_type, ab_group, experiment_id, dedupe_key, mtf_agreement,
	created_at, updated_at
`

func scanRecommendation(row pgx.Row) (*Recommendation, error) {
	r := &Recommendation{}
	var trailing, mtf *string
	err := row.Scan(
		&r.ID, &r.Symbol, &r.Direction, &r.EntryPrice, &r.CurrentPrice, &r.Leverage, &r.PositionSize,
		&r.StopLossPrice, &r.TakeProfitPrice, &trailing,
		&r.ATRValue, &r.ATRPeriod, &r.ATRSLMultiplier, &r.ATRTPMultiplier,
		&r.TP1Hit, &r.TP2Hit, &r.TP3Hit, &r.ReductionCount, &r.ReductionRatio,
		&r.ExpectedReturn, &r.EV, &r.EVThreshold, &r.EVOk,
		&r.Status, &r.ExitPrice, &r.ExitTime, &r.ExitReason, &r.ExitLabel, &r.PnLPercent, &r.PnLAmount, &r.ClosePending,
		&r.Source, &r.StrategyType, &r.ABGroup, &r.ExperimentID, &r.DedupeKey, &mtf,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.TrailingOverrideJSON = trailing
	r.MTFAgreementJSON = mtf
	return r, nil
}

// Get retrieves a recommendation by id.
func (s *Store) Get(ctx context.Context, id string) (*Recommendation, error) {
	query := fmt.Sprintf(`SELECT %s FROM recommendations WHERE id = $1`, recommendationColumns)
	r, err := scanRecommendation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get recommendation %s: %w", id, engineerr.ErrRecommendationNotFound)
		}
		return nil, fmt.Errorf("get recommendation %s: %w", id, err)
	}
	return r, nil
}

// ListActive returns ACTIVE rows, optionally narrowed by filter.
func (s *Store) ListActive(ctx context.Context, filter ActiveFilter) ([]*Recommendation, error) {
	query := fmt.Sprintf(`SELECT %s FROM recommendations WHERE status = 'ACTIVE'`, recommendationColumns)
	args := []interface{}{}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		query += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	return s.queryRecommendations(ctx, query, args...)
}

// Query returns rows matching filter with pagination.
func (s *Store) Query(ctx context.Context, filter QueryFilter, page, limit int) ([]*Recommendation, error) {
	query := fmt.Sprintf(`SELECT %s FROM recommendations WHERE 1=1`, recommendationColumns)
	args := []interface{}{}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ABGroup != "" {
		args = append(args, filter.ABGroup)
		query += fmt.Sprintf(" AND ab_group = $%d", len(args))
	}
	if filter.Start != nil {
		args = append(args, *filter.Start)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.End != nil {
		args = append(args, *filter.End)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if page > 1 {
			args = append(args, (page-1)*limit)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}
	return s.queryRecommendations(ctx, query, args...)
}

func (s *Store) queryRecommendations(ctx context.Context, query string, args ...interface{}) ([]*Recommendation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer rows.Close()

	var out []*Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveExecution appends an execution record.
func (s *Store) SaveExecution(ctx context.Context, e *Execution) error {
	if e.ExtraJSON == nil && e.Details != nil {
		marshaled, err := marshalDetails(e.Details)
		if err != nil {
			return fmt.Errorf("save execution: marshal details: %w", err)
		}
		e.ExtraJSON = marshaled
	}

	var extra interface{}
	if e.ExtraJSON != nil {
		extra = *e.ExtraJSON
	}
	query := `
		INSERT INTO executions (
			id, event_type, recommendation_id, symbol, direction, size,
			intended_price, intended_timestamp, fill_price, fill_timestamp,
			latency_ms, slippage_bps, fee_bps, fee_amount, pnl_amount, pnl_percent, extra
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at
	`
	return s.pool.QueryRow(ctx, query,
		e.ID, e.EventType, e.RecommendationID, e.Symbol, e.Direction, e.Size,
		e.IntendedPrice, e.IntendedTimestamp, e.FillPrice, e.FillTimestamp,
		e.LatencyMs, e.SlippageBps, e.FeeBps, e.FeeAmount, e.PnLAmount, e.PnLPercent, extra,
	).Scan(&e.CreatedAt)
}

// SaveMonitoringSample records one evaluation pass for audit.
func (s *Store) SaveMonitoringSample(ctx context.Context, m *MonitoringSample) error {
	var extra interface{}
	if m.ExtraJSON != nil {
		extra = *m.ExtraJSON
	}
	query := `
		INSERT INTO monitoring_samples (recommendation_id, check_time, current_price, extra)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query, m.RecommendationID, m.CheckTime, m.CurrentPrice, extra).Scan(&m.ID)
}

// marshalDetails is a small convenience used by callers that build a
// details map and need it as JSONB text for a *string field.
func marshalDetails(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
