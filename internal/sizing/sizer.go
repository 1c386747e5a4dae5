// Package sizing converts approved signals into concrete leveraged orders,
// respecting exposure and solvency caps.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/trade"
)

// Soft rejection and failure classes for sizing.
var (
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrMarginHealthLow     = errors.New("margin health below safety floor")
	ErrExposureCapExceeded = errors.New("exposure cap exceeded")
	ErrDuplicateSignal     = errors.New("signal already consumed")
	ErrExecutionFailed     = errors.New("order execution failed")
)

// ExecutionReport is the fill confirmation from the execution collaborator.
type ExecutionReport struct {
	OrderID     string
	FilledPrice float64
}

// OrderExecutor submits orders to the exchange. Implementations must bound
// their own timeouts; a returned error means no order is live.
type OrderExecutor interface {
	SubmitOrder(ctx context.Context, instrument string, direction trade.Direction, quantity float64, leverage int) (*ExecutionReport, error)
}

// Plan is a fully computed order that has not been submitted yet. The
// caller runs the circuit-breaker admission check between Plan and Execute.
type Plan struct {
	Signal      *trade.Signal
	Margin      float64
	Quantity    float64 // Signed
	Leverage    int
	EntryPrice  float64 // Signal price; replaced by the fill on execution
	StopLoss    float64
	TakeProfit  float64
	Liquidation float64
	RiskAmount  float64 // Dollars at risk if the stop is hit
}

// Sizer sizes and opens positions. It keeps the consumed-signal set that
// guarantees at most one position per signal.
type Sizer struct {
	cfg      config.SizingConfig
	executor OrderExecutor
	log      zerolog.Logger

	mu       sync.Mutex
	consumed map[string]struct{}
}

// NewSizer creates a position sizer.
func NewSizer(cfg config.SizingConfig, executor OrderExecutor, log zerolog.Logger) *Sizer {
	return &Sizer{
		cfg:      cfg,
		executor: executor,
		log:      log.With().Str("component", "sizing").Logger(),
		consumed: make(map[string]struct{}),
	}
}

// Plan computes margin, quantity, leverage, and exit levels for an approved
// signal without submitting anything. instrumentMargin is the margin already
// committed to open positions on the same instrument.
func (s *Sizer) Plan(sig *trade.Signal, account trade.AccountState, params trade.RiskParameters, instrumentMargin float64) (*Plan, error) {
	if account.Equity < s.cfg.MinEquityUSD {
		return nil, fmt.Errorf("%w: equity %.2f below floor %.2f", ErrInsufficientCapital, account.Equity, s.cfg.MinEquityUSD)
	}

	// Margin health only applies when real capital backs the account.
	if account.MarginHealth > 0 && account.MarginHealth < s.cfg.MinMarginHealth {
		return nil, fmt.Errorf("%w: ratio %.2f below floor %.2f", ErrMarginHealthLow, account.MarginHealth, s.cfg.MinMarginHealth)
	}

	margin := s.cfg.BaseMarginUSD * confidenceMultiplier(sig.Probability)

	// Per-instrument exposure cap: scale down to fit, never up.
	maxExposure := account.Equity * params.MaxExposureFraction
	if instrumentMargin+margin > maxExposure {
		margin = maxExposure - instrumentMargin
		if margin < s.cfg.MinViableMarginUSD {
			return nil, fmt.Errorf("%w: %s at %.2f of %.2f allowed", ErrExposureCapExceeded, sig.Instrument, instrumentMargin, maxExposure)
		}
	}

	// Never commit more than half the free balance to one position.
	if half := account.FreeBalance / 2; margin > half {
		margin = half
	}
	if margin < s.cfg.MinViableMarginUSD {
		return nil, fmt.Errorf("%w: viable margin %.2f below minimum %.2f", ErrInsufficientCapital, margin, s.cfg.MinViableMarginUSD)
	}

	leverage := params.Leverage
	if leverage < 1 {
		leverage = 1
	}

	entry := sig.Price
	if entry <= 0 {
		return nil, fmt.Errorf("%w: signal has no price", ErrInsufficientCapital)
	}

	qty := margin * float64(leverage) / entry
	if sig.Direction == trade.Short {
		qty = -qty
	}

	stop, target := s.exitLevels(sig, entry)

	// Cap the dollars at risk to the account risk fraction; scale the whole
	// position down to fit, never up.
	if params.AccountRiskFraction > 0 {
		maxRisk := account.Equity * params.AccountRiskFraction
		if risk := math.Abs(entry-stop) * math.Abs(qty); risk > maxRisk {
			scale := maxRisk / risk
			margin *= scale
			qty *= scale
			if margin < s.cfg.MinViableMarginUSD {
				return nil, fmt.Errorf("%w: risk-capped margin %.2f below minimum %.2f", ErrInsufficientCapital, margin, s.cfg.MinViableMarginUSD)
			}
		}
	}

	plan := &Plan{
		Signal:      sig,
		Margin:      margin,
		Quantity:    qty,
		Leverage:    leverage,
		EntryPrice:  entry,
		StopLoss:    stop,
		TakeProfit:  target,
		Liquidation: liquidationPrice(entry, leverage, sig.Direction),
		RiskAmount:  math.Abs(entry-stop) * math.Abs(qty),
	}
	return plan, nil
}

// Execute submits the planned order and returns the opened position. The
// signal is marked consumed before submission, so a duplicate signal ID can
// never produce a second order even if the first attempt is in flight.
func (s *Sizer) Execute(ctx context.Context, plan *Plan) (*trade.Position, error) {
	sig := plan.Signal

	s.mu.Lock()
	if _, dup := s.consumed[sig.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSignal, sig.ID)
	}
	s.consumed[sig.ID] = struct{}{}
	s.mu.Unlock()

	report, err := s.executor.SubmitOrder(ctx, sig.Instrument, sig.Direction, math.Abs(plan.Quantity), plan.Leverage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}

	entry := report.FilledPrice
	if entry <= 0 {
		entry = plan.EntryPrice
	}

	pos := &trade.Position{
		ID:               uuid.New().String(),
		SignalID:         sig.ID,
		Instrument:       sig.Instrument,
		Direction:        sig.Direction,
		EntryPrice:       entry,
		Quantity:         plan.Quantity,
		Leverage:         plan.Leverage,
		Margin:           plan.Margin,
		StopLoss:         plan.StopLoss,
		TakeProfit:       plan.TakeProfit,
		LiquidationPrice: liquidationPrice(entry, plan.Leverage, sig.Direction),
		Status:           trade.StatusOpen,
		OpenedAt:         time.Now(),
	}

	s.log.Info().
		Str("position_id", pos.ID).
		Str("instrument", pos.Instrument).
		Str("direction", string(pos.Direction)).
		Float64("entry", pos.EntryPrice).
		Float64("margin", pos.Margin).
		Int("leverage", pos.Leverage).
		Float64("stop", pos.StopLoss).
		Float64("target", pos.TakeProfit).
		Msg("position opened")

	return pos, nil
}

// exitLevels mirrors the signal's own stop/target when present, otherwise
// derives them from volatility, widened by the round-trip fee per unit so
// the target is fee-profitable.
func (s *Sizer) exitLevels(sig *trade.Signal, entry float64) (stop, target float64) {
	if sig.StopLoss > 0 && sig.TakeProfit > 0 {
		return sig.StopLoss, sig.TakeProfit
	}

	atr := sig.Features.ATR
	if atr <= 0 {
		// No volatility measure; fall back to 1% of price.
		atr = entry * 0.01
	}
	feeDelta := entry * 2 * s.cfg.FeeRatePct / 100

	if sig.Direction == trade.Long {
		stop = entry - s.cfg.StopATRMultiple*atr - feeDelta
		target = entry + s.cfg.TargetATRMultiple*atr + feeDelta
	} else {
		stop = entry + s.cfg.StopATRMultiple*atr + feeDelta
		target = entry - s.cfg.TargetATRMultiple*atr - feeDelta
	}
	return stop, target
}

// confidenceMultiplier scales the base margin by the model's conviction.
func confidenceMultiplier(probability float64) float64 {
	switch {
	case probability >= 0.95:
		return 2.0
	case probability < 0.90:
		return 0.5
	default:
		return 1.0
	}
}

// liquidationPrice is the price at which the margin is fully consumed:
// entry -/+ entry/leverage depending on direction.
func liquidationPrice(entry float64, leverage int, dir trade.Direction) float64 {
	step := entry / float64(leverage)
	if dir == trade.Long {
		return entry - step
	}
	return entry + step
}
