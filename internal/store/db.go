package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"recoengine/internal/logging"
)

// Config holds PostgreSQL connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store wraps the PostgreSQL connection pool and implements C2.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse store config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("unable to ping store: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logging.StoreContext("open", "").WithField("database", cfg.Database).Info("connected to store")
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// HealthCheck pings the pool.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recommendations (
			id TEXT PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			current_price DOUBLE PRECISION NOT NULL,
			leverage DOUBLE PRECISION NOT NULL DEFAULT 1,
			position_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			stop_loss_price DOUBLE PRECISION,
			take_profit_price DOUBLE PRECISION,
			trailing_override JSONB,
			atr_value DOUBLE PRECISION,
			atr_period INT,
			atr_sl_multiplier DOUBLE PRECISION,
			atr_tp_multiplier DOUBLE PRECISION,
			tp1_hit BOOLEAN NOT NULL DEFAULT FALSE,
			tp2_hit BOOLEAN NOT NULL DEFAULT FALSE,
			tp3_hit BOOLEAN NOT NULL DEFAULT FALSE,
			reduction_count INT NOT NULL DEFAULT 0,
			reduction_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			expected_return DOUBLE PRECISION,
			ev DOUBLE PRECISION,
			ev_threshold DOUBLE PRECISION,
			ev_ok BOOLEAN,
			status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			exit_price DOUBLE PRECISION,
			exit_time TIMESTAMPTZ,
			exit_reason VARCHAR(16),
			exit_label TEXT,
			pnl_percent DOUBLE PRECISION,
			pnl_amount DOUBLE PRECISION,
			close_pending BOOLEAN NOT NULL DEFAULT FALSE,
			source TEXT,
			strategy_type TEXT,
			ab_group TEXT,
			experiment_id TEXT,
			dedupe_key TEXT,
			mtf_agreement JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_symbol_direction ON recommendations(symbol, direction)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_created_at ON recommendations(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_ab_group ON recommendations(ab_group)`,

		`CREATE TABLE IF NOT EXISTS decision_chains (
			chain_id TEXT PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			end_at TIMESTAMPTZ,
			final_decision VARCHAR(10) NOT NULL DEFAULT 'PENDING',
			final_reason TEXT,
			recommendation_id TEXT REFERENCES recommendations(id) ON DELETE SET NULL,
			execution_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_chains_symbol ON decision_chains(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_chains_final_decision ON decision_chains(final_decision)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_chains_created_at ON decision_chains(created_at)`,

		`CREATE TABLE IF NOT EXISTS decision_steps (
			id BIGSERIAL PRIMARY KEY,
			chain_id TEXT NOT NULL REFERENCES decision_chains(chain_id) ON DELETE CASCADE,
			seq INT NOT NULL,
			stage VARCHAR(32) NOT NULL,
			decision VARCHAR(10) NOT NULL,
			reason TEXT,
			details JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_steps_chain_id ON decision_steps(chain_id, seq)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			event_type VARCHAR(10) NOT NULL,
			recommendation_id TEXT NOT NULL REFERENCES recommendations(id) ON DELETE CASCADE,
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			intended_price DOUBLE PRECISION NOT NULL,
			intended_timestamp TIMESTAMPTZ NOT NULL,
			fill_price DOUBLE PRECISION NOT NULL,
			fill_timestamp TIMESTAMPTZ NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			slippage_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
			fee_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
			fee_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl_amount DOUBLE PRECISION,
			pnl_percent DOUBLE PRECISION,
			extra JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_recommendation_id ON executions(recommendation_id)`,

		`CREATE TABLE IF NOT EXISTS monitoring_samples (
			id BIGSERIAL PRIMARY KEY,
			recommendation_id TEXT NOT NULL REFERENCES recommendations(id) ON DELETE CASCADE,
			check_time TIMESTAMPTZ NOT NULL,
			current_price DOUBLE PRECISION,
			extra JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_samples_recommendation_id ON monitoring_samples(recommendation_id, check_time)`,
	}

	for i, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
