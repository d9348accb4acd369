package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

// TradeRepository writes the append-only trade log to Postgres for durable
// history beyond the in-memory cap.
type TradeRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewTradeRepository connects a pool from the DATABASE_URL-style DSN and
// verifies the connection.
func NewTradeRepository(ctx context.Context, url string, logger zerolog.Logger) (*TradeRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = time.Minute

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &TradeRepository{
		pool:   pool,
		logger: logger.With().Str("component", "postgres").Logger(),
	}, nil
}

// Migrate creates the trade log schema if absent.
func (r *TradeRepository) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trade_records (
			id BIGSERIAL PRIMARY KEY,
			recorded_at TIMESTAMPTZ NOT NULL,
			position_id VARCHAR(64) NOT NULL,
			asset_id VARCHAR(20) NOT NULL,
			asset_class VARCHAR(10) NOT NULL,
			side VARCHAR(5) NOT NULL,
			kind VARCHAR(10) NOT NULL,
			quantity DECIMAL(24, 8) NOT NULL,
			price DECIMAL(24, 8) NOT NULL,
			cause VARCHAR(20) NOT NULL,
			realized_pnl DECIMAL(24, 8) NOT NULL DEFAULT 0,
			fees DECIMAL(24, 8) NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_position ON trade_records(position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_asset ON trade_records(asset_id, recorded_at)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	r.logger.Info().Msg("trade log schema ready")
	return nil
}

// Insert appends one record.
func (r *TradeRepository) Insert(ctx context.Context, rec position.TradeRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO trade_records (
			recorded_at, position_id, asset_id, asset_class, side, kind,
			quantity, price, cause, realized_pnl, fees
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.Time, rec.PositionID, rec.Asset.ID, string(rec.Asset.Class),
		string(rec.Side), rec.Kind, rec.Quantity, rec.Price,
		string(rec.Cause), rec.RealizedPnL, rec.Fees,
	)
	if err != nil {
		return fmt.Errorf("inserting trade record: %w", err)
	}
	return nil
}

// History returns records for one asset, newest first, up to limit.
func (r *TradeRepository) History(ctx context.Context, a asset.Asset, limit int) ([]position.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT recorded_at, position_id, asset_id, asset_class, side, kind,
		       quantity, price, cause, realized_pnl, fees
		FROM trade_records
		WHERE asset_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`, a.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trade history: %w", err)
	}
	defer rows.Close()

	var out []position.TradeRecord
	for rows.Next() {
		var rec position.TradeRecord
		var assetID, assetClass, side, cause string
		if err := rows.Scan(&rec.Time, &rec.PositionID, &assetID, &assetClass,
			&side, &rec.Kind, &rec.Quantity, &rec.Price, &cause,
			&rec.RealizedPnL, &rec.Fees); err != nil {
			return nil, fmt.Errorf("scanning trade record: %w", err)
		}
		rec.Asset = asset.Asset{ID: assetID, Class: asset.Class(assetClass)}
		rec.Side = position.Side(side)
		rec.Cause = position.Cause(cause)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (r *TradeRepository) Close() {
	r.pool.Close()
}
