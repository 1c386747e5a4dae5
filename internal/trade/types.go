// Package trade holds the domain types shared by the scoring, gating,
// sizing, and lifecycle packages.
package trade

import (
	"time"

	"github.com/google/uuid"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/features"
)

// Direction is the side of a signal or position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Signal is an approved trade opportunity. Immutable once created; the
// position sizer consumes each signal at most once.
type Signal struct {
	ID          string                 `json:"id"`
	Instrument  string                 `json:"instrument"`
	Direction   Direction              `json:"direction"`
	Price       float64                `json:"price"`
	Confidence  int                    `json:"confidence"` // 0-100
	Probability float64                `json:"probability"`
	StopLoss    float64                `json:"stop_loss,omitempty"`
	TakeProfit  float64                `json:"take_profit,omitempty"`
	Reason      string                 `json:"reason"`
	Features    features.FeatureVector `json:"features"`
	CreatedAt   time.Time              `json:"created_at"`
}

// NewSignalID returns a fresh signal identifier.
func NewSignalID() string {
	return uuid.New().String()
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// ExitReason is the single recorded cause of a position close.
type ExitReason string

const (
	ExitManual      ExitReason = "MANUAL"
	ExitLiquidation ExitReason = "LIQUIDATION"
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitStale       ExitReason = "STALE"
)

// Position is a leveraged futures position. Created by the sizer in OPEN
// status, mutated only by the lifecycle manager, terminal once CLOSED.
type Position struct {
	ID               string         `json:"id"`
	SignalID         string         `json:"signal_id"`
	Instrument       string         `json:"instrument"`
	Direction        Direction      `json:"direction"`
	EntryPrice       float64        `json:"entry_price"`
	Quantity         float64        `json:"quantity"` // Signed: negative for shorts
	Leverage         int            `json:"leverage"`
	Margin           float64        `json:"margin"`
	StopLoss         float64        `json:"stop_loss"`
	TakeProfit       float64        `json:"take_profit"`
	LiquidationPrice float64        `json:"liquidation_price"`
	Status           PositionStatus `json:"status"`
	ExitReason       ExitReason     `json:"exit_reason,omitempty"`
	ExitPrice        float64        `json:"exit_price,omitempty"`
	RealizedPnL      float64        `json:"realized_pnl"`
	CloseRequested   bool           `json:"close_requested"`
	OpenedAt         time.Time      `json:"opened_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Notional returns the position's notional value at entry.
func (p *Position) Notional() float64 {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return qty * p.EntryPrice
}

// UnrealizedPnL returns the raw mark-to-market PnL at the given price,
// before fees.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// AccountState is the account snapshot the sizer works from.
type AccountState struct {
	Equity       float64 `json:"equity"`
	FreeBalance  float64 `json:"free_balance"`
	MarginHealth float64 `json:"margin_health"` // Assets/liabilities on cross margin; 0 when unknown
}

// Weights is the factor weight vector for the confluence scorer. A zero sum
// is invalid; the scorer normalizes at blend time so the weights themselves
// never need to sum to one.
type Weights struct {
	Trend      float64 `json:"trend"`
	Oscillator float64 `json:"oscillator"`
	OrderFlow  float64 `json:"order_flow"`
	Momentum   float64 `json:"momentum"`
}

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	return w.Trend + w.Oscillator + w.OrderFlow + w.Momentum
}

// RiskParameters is the mutable runtime configuration shared by the scorer
// and the sizer, tuned by the optimizer or the operator.
type RiskParameters struct {
	Weights             Weights `json:"weights"`
	Leverage            int     `json:"leverage"`
	AccountRiskFraction float64 `json:"account_risk_fraction"`
	MinConfidence       int     `json:"min_confidence"`
	MaxOpenPositions    int     `json:"max_open_positions"`
	MaxExposureFraction float64 `json:"max_exposure_fraction"`
}

// RiskParametersFromConfig seeds runtime risk parameters from static config.
func RiskParametersFromConfig(cfg config.RiskConfig) RiskParameters {
	return RiskParameters{
		Weights: Weights{
			Trend:      cfg.TrendWeight,
			Oscillator: cfg.OscillatorWeight,
			OrderFlow:  cfg.OrderFlowWeight,
			Momentum:   cfg.MomentumWeight,
		},
		Leverage:            cfg.Leverage,
		AccountRiskFraction: cfg.AccountRiskFraction,
		MinConfidence:       cfg.MinConfidence,
		MaxOpenPositions:    cfg.MaxOpenPositions,
		MaxExposureFraction: cfg.MaxExposureFraction,
	}
}
