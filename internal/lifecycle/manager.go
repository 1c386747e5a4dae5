// Package lifecycle supervises open positions to closure: exit-condition
// evaluation, PnL realization, and account-state update.
package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/circuit"
	"crypto-signal-engine/internal/sizing"
	"crypto-signal-engine/internal/trade"
)

// PriceSource provides the current mark price for exit evaluation.
type PriceSource interface {
	Price(ctx context.Context, instrument string) (float64, error)
}

// Manager evaluates exit conditions for open positions and realizes PnL
// through the circuit breaker.
type Manager struct {
	cfg     config.SizingConfig
	prices  PriceSource
	closer  sizing.OrderExecutor
	breaker *circuit.Breaker
	log     zerolog.Logger

	onClosed func(*trade.Position)
}

// NewManager creates a lifecycle manager. closer submits the closing market
// order; onClosed receives every closed position (may be nil).
func NewManager(cfg config.SizingConfig, prices PriceSource, closer sizing.OrderExecutor, breaker *circuit.Breaker, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		prices:  prices,
		closer:  closer,
		breaker: breaker,
		log:     log.With().Str("component", "lifecycle").Logger(),
	}
}

// OnClosed registers the closed-position consumer.
func (m *Manager) OnClosed(handler func(*trade.Position)) {
	m.onClosed = handler
}

// Supervise runs one supervision tick over the open positions and returns
// the ones closed this tick. A price fetch failure skips that position
// without mutating it.
func (m *Manager) Supervise(ctx context.Context, now time.Time, positions []*trade.Position) []*trade.Position {
	closed := make([]*trade.Position, 0)

	for _, pos := range positions {
		if !pos.IsOpen() {
			continue
		}

		price, err := m.prices.Price(ctx, pos.Instrument)
		if err != nil {
			m.log.Warn().Err(err).Str("instrument", pos.Instrument).Msg("price unavailable, skipping position this tick")
			continue
		}

		reason, ok := m.evaluateExit(pos, price, now)
		if !ok {
			continue
		}

		if m.close(ctx, pos, price, reason, now) {
			closed = append(closed, pos)
		}
	}

	return closed
}

// evaluateExit checks the exit conditions in priority order: manual close,
// liquidation, stop, target with the fee profit-guard, then staleness.
// Priority resolves ties, so exactly one reason ever matches.
func (m *Manager) evaluateExit(pos *trade.Position, price float64, now time.Time) (trade.ExitReason, bool) {
	if pos.CloseRequested {
		return trade.ExitManual, true
	}

	if crossedAgainst(pos, price, pos.LiquidationPrice) {
		return trade.ExitLiquidation, true
	}

	if pos.StopLoss > 0 && crossedAgainst(pos, price, pos.StopLoss) {
		return trade.ExitStopLoss, true
	}

	if pos.TakeProfit > 0 && crossedInFavor(pos, price, pos.TakeProfit) {
		// A target touch that nets a loss after fees is not taken; hold on.
		if pos.UnrealizedPnL(price) > m.roundTripFees(pos, price) {
			return trade.ExitTakeProfit, true
		}
	}

	staleAfter := time.Duration(m.cfg.StaleAfterHours * float64(time.Hour))
	if pos.Age(now) > staleAfter && pos.UnrealizedPnL(price) < 0 {
		return trade.ExitStale, true
	}

	return "", false
}

// close realizes the exit. Liquidation needs no order; every other reason
// submits a closing market order and keeps the position open if that fails.
func (m *Manager) close(ctx context.Context, pos *trade.Position, price float64, reason trade.ExitReason, now time.Time) bool {
	exitPrice := price

	if reason != trade.ExitLiquidation {
		report, err := m.closer.SubmitOrder(ctx, pos.Instrument, pos.Direction.Opposite(), math.Abs(pos.Quantity), pos.Leverage)
		if err != nil {
			m.log.Error().Err(err).
				Str("position_id", pos.ID).
				Str("reason", string(reason)).
				Msg("close order failed, position stays open")
			return false
		}
		if report.FilledPrice > 0 {
			exitPrice = report.FilledPrice
		}
	}

	var pnl float64
	if reason == trade.ExitLiquidation {
		// The margin is gone in full.
		pnl = -pos.Margin
	} else {
		pnl = pos.UnrealizedPnL(exitPrice) - m.roundTripFees(pos, exitPrice)
	}

	closedAt := now
	pos.Status = trade.StatusClosed
	pos.ExitReason = reason
	pos.ExitPrice = exitPrice
	pos.RealizedPnL = pnl
	pos.ClosedAt = &closedAt

	m.breaker.RecordTrade(pnl, now)

	m.log.Info().
		Str("position_id", pos.ID).
		Str("instrument", pos.Instrument).
		Str("reason", string(reason)).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("position closed")

	if m.onClosed != nil {
		m.onClosed(pos)
	}
	return true
}

// roundTripFees estimates entry plus exit fees for the position at the
// given exit price.
func (m *Manager) roundTripFees(pos *trade.Position, exitPrice float64) float64 {
	qty := math.Abs(pos.Quantity)
	rate := m.cfg.FeeRatePct / 100
	return qty*pos.EntryPrice*rate + qty*exitPrice*rate
}

// crossedAgainst reports whether price has crossed the level against the
// position's direction.
func crossedAgainst(pos *trade.Position, price, level float64) bool {
	if level <= 0 {
		return false
	}
	if pos.Direction == trade.Long {
		return price <= level
	}
	return price >= level
}

// crossedInFavor reports whether price has crossed the level in the
// position's favor.
func crossedInFavor(pos *trade.Position, price, level float64) bool {
	if level <= 0 {
		return false
	}
	if pos.Direction == trade.Long {
		return price >= level
	}
	return price <= level
}
