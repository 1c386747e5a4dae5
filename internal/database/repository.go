package database

import (
	"context"
	"fmt"
	"time"

	"crypto-signal-engine/internal/circuit"
	"crypto-signal-engine/internal/decision"
	"crypto-signal-engine/internal/optimizer"
	"crypto-signal-engine/internal/trade"
)

// Repository provides the write and query paths the engine uses. All writes
// are best effort from the engine's perspective; callers log failures and
// keep trading.
type Repository struct {
	db *DB
}

// NewRepository wraps a DB handle.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveSignal records a generated signal and the gate's verdict on it.
func (r *Repository) SaveSignal(ctx context.Context, sig *trade.Signal, dec *decision.Decision) error {
	var code interface{}
	if dec.Code != "" {
		code = string(dec.Code)
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signals
			(id, instrument, direction, price, confidence, probability,
			 stop_loss, take_profit, approved, rejection_code, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sig.ID, sig.Instrument, string(sig.Direction), sig.Price, sig.Confidence,
		sig.Probability, sig.StopLoss, sig.TakeProfit, dec.Approved, code,
		dec.Reason, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	return nil
}

// SaveOpenTrade records a newly opened position.
func (r *Repository) SaveOpenTrade(ctx context.Context, pos *trade.Position) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trades
			(id, signal_id, instrument, direction, entry_price, quantity,
			 leverage, margin, stop_loss, take_profit, liquidation_price,
			 status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pos.ID, pos.SignalID, pos.Instrument, string(pos.Direction),
		pos.EntryPrice, pos.Quantity, pos.Leverage, pos.Margin, pos.StopLoss,
		pos.TakeProfit, pos.LiquidationPrice, string(pos.Status), pos.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("save open trade: %w", err)
	}
	return nil
}

// CloseTrade records the terminal state of a position.
func (r *Repository) CloseTrade(ctx context.Context, pos *trade.Position) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trades
		SET status = $2, exit_reason = $3, exit_price = $4, realized_pnl = $5, closed_at = $6
		WHERE id = $1`,
		pos.ID, string(pos.Status), string(pos.ExitReason), pos.ExitPrice,
		pos.RealizedPnL, pos.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close trade: position %s not found", pos.ID)
	}
	return nil
}

// OpenTrades loads positions still marked OPEN, for restart recovery.
func (r *Repository) OpenTrades(ctx context.Context) ([]*trade.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, signal_id, instrument, direction, entry_price, quantity,
		       leverage, margin, stop_loss, take_profit, liquidation_price, opened_at
		FROM trades WHERE status = 'OPEN' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}
	defer rows.Close()

	var out []*trade.Position
	for rows.Next() {
		pos := &trade.Position{Status: trade.StatusOpen}
		var direction string
		if err := rows.Scan(
			&pos.ID, &pos.SignalID, &pos.Instrument, &direction, &pos.EntryPrice,
			&pos.Quantity, &pos.Leverage, &pos.Margin, &pos.StopLoss,
			&pos.TakeProfit, &pos.LiquidationPrice, &pos.OpenedAt,
		); err != nil {
			return nil, fmt.Errorf("scan open trade: %w", err)
		}
		pos.Direction = trade.Direction(direction)
		out = append(out, pos)
	}
	return out, rows.Err()
}

// RecentClosedTrades returns recent closed positions in chronological order,
// capped at limit. Feeds the optimizer lookback window.
func (r *Repository) RecentClosedTrades(ctx context.Context, limit int) ([]*trade.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, instrument, direction, realized_pnl, closed_at
		FROM (
			SELECT id, instrument, direction, realized_pnl, closed_at
			FROM trades
			WHERE status = 'CLOSED' AND realized_pnl IS NOT NULL
			ORDER BY closed_at DESC LIMIT $1
		) recent
		ORDER BY closed_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("load closed trades: %w", err)
	}
	defer rows.Close()

	var out []*trade.Position
	for rows.Next() {
		pos := &trade.Position{Status: trade.StatusClosed}
		var direction string
		var closedAt time.Time
		if err := rows.Scan(&pos.ID, &pos.Instrument, &direction, &pos.RealizedPnL, &closedAt); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		pos.Direction = trade.Direction(direction)
		pos.ClosedAt = &closedAt
		out = append(out, pos)
	}
	return out, rows.Err()
}

// SaveParameterSnapshot records the optimizer's output for auditability.
func (r *Repository) SaveParameterSnapshot(ctx context.Context, res *optimizer.Result) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO parameter_snapshots
			(trend_weight, oscillator_weight, order_flow_weight, momentum_weight,
			 leverage, regime, win_rate, trades_considered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.Params.Weights.Trend, res.Params.Weights.Oscillator,
		res.Params.Weights.OrderFlow, res.Params.Weights.Momentum,
		res.Params.Leverage, string(res.Regime), res.WinRate, res.Trades,
	)
	if err != nil {
		return fmt.Errorf("save parameter snapshot: %w", err)
	}
	return nil
}

// SaveBreakerEvent records a state transition of the circuit breaker.
func (r *Repository) SaveBreakerEvent(ctx context.Context, snap circuit.Snapshot, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO breaker_events (state, reason, capital, daily_pnl, consecutive_losses)
		VALUES ($1, $2, $3, $4, $5)`,
		string(snap.State), reason, snap.CurrentCapital, snap.DailyPnL, snap.ConsecutiveLosses,
	)
	if err != nil {
		return fmt.Errorf("save breaker event: %w", err)
	}
	return nil
}
