package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"recoengine/internal/engineerr"
)

// SaveDecisionChain upserts a chain header and appends any steps that are
// not yet persisted (steps are append-only, identified by sequence order).
func (s *Store) SaveDecisionChain(ctx context.Context, chain *DecisionChain) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save decision chain %s: %w", chain.ChainID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO decision_chains (chain_id, symbol, direction, source, created_at, end_at, final_decision, final_reason, recommendation_id, execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_id) DO UPDATE SET
			end_at = EXCLUDED.end_at,
			final_decision = EXCLUDED.final_decision,
			final_reason = EXCLUDED.final_reason,
			recommendation_id = EXCLUDED.recommendation_id,
			execution_id = EXCLUDED.execution_id
	`, chain.ChainID, chain.Symbol, chain.Direction, chain.Source, chain.CreatedAt, chain.EndAt, chain.FinalDecision, chain.FinalReason, chain.RecommendationID, chain.ExecutionID)
	if err != nil {
		return fmt.Errorf("save decision chain %s: %w", chain.ChainID, err)
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM decision_steps WHERE chain_id = $1`, chain.ChainID).Scan(&existing); err != nil {
		return fmt.Errorf("save decision chain %s: count steps: %w", chain.ChainID, err)
	}
	for i := existing; i < len(chain.Steps); i++ {
		step := chain.Steps[i]
		details, err := json.Marshal(step.Details)
		if err != nil {
			return fmt.Errorf("save decision chain %s: marshal step %d: %w", chain.ChainID, i, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO decision_steps (chain_id, seq, stage, decision, reason, details, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, chain.ChainID, i, step.Stage, step.Decision, step.Reason, details, step.Timestamp); err != nil {
			return fmt.Errorf("save decision chain %s: insert step %d: %w", chain.ChainID, i, err)
		}
	}

	return tx.Commit(ctx)
}

// GetDecisionChain loads a chain and its ordered steps.
func (s *Store) GetDecisionChain(ctx context.Context, chainID string) (*DecisionChain, error) {
	chain := &DecisionChain{ChainID: chainID}
	err := s.pool.QueryRow(ctx, `
		SELECT symbol, direction, source, created_at, end_at, final_decision, final_reason, recommendation_id, execution_id
		FROM decision_chains WHERE chain_id = $1
	`, chainID).Scan(&chain.Symbol, &chain.Direction, &chain.Source, &chain.CreatedAt, &chain.EndAt, &chain.FinalDecision, &chain.FinalReason, &chain.RecommendationID, &chain.ExecutionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get decision chain %s: %w", chainID, engineerr.ErrChainNotFound)
		}
		return nil, fmt.Errorf("get decision chain %s: %w", chainID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT stage, decision, reason, details, timestamp
		FROM decision_steps WHERE chain_id = $1 ORDER BY seq ASC
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("get decision chain %s: steps: %w", chainID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var step DecisionStep
		var details []byte
		if err := rows.Scan(&step.Stage, &step.Decision, &step.Reason, &details, &step.Timestamp); err != nil {
			return nil, fmt.Errorf("get decision chain %s: scan step: %w", chainID, err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &step.Details)
		}
		chain.Steps = append(chain.Steps, step)
	}
	return chain, rows.Err()
}

// QueryDecisionChains returns chain headers (without steps) matching filter.
func (s *Store) QueryDecisionChains(ctx context.Context, filter ChainFilter, page, limit int) ([]*DecisionChain, error) {
	query := `
		SELECT chain_id, symbol, direction, source, created_at, end_at, final_decision, final_reason, recommendation_id, execution_id
		FROM decision_chains WHERE 1=1
	`
	args := []interface{}{}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND final_decision = $%d", len(args))
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decision chains: %w", err)
	}
	defer rows.Close()

	var out []*DecisionChain
	for rows.Next() {
		c := &DecisionChain{}
		if err := rows.Scan(&c.ChainID, &c.Symbol, &c.Direction, &c.Source, &c.CreatedAt, &c.EndAt, &c.FinalDecision, &c.FinalReason, &c.RecommendationID, &c.ExecutionID); err != nil {
			return nil, fmt.Errorf("query decision chains: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
