// Package optimizer nudges the scorer's factor weights, the sizer's
// leverage, and the per-instrument bias toward the currently winning regime.
package optimizer

import (
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/trade"
)

// Regime is the volatility classification of the recent market.
type Regime string

const (
	RegimeHighVol Regime = "HIGH_VOLATILITY"
	RegimeLowVol  Regime = "LOW_VOLATILITY"
	RegimeNeutral Regime = "NEUTRAL"
)

// Floor below which no weight is pushed, so no factor ever drops out of the
// blend entirely.
const minWeight = 0.05

// How far neutral regimes pull each weight back toward the baseline.
const relaxFactor = 0.5

// Minimum closed trades on an instrument before its bias is recomputed.
const minTradesForBias = 2

// Result is one optimization pass outcome.
type Result struct {
	Params  trade.RiskParameters `json:"params"`
	Bias    map[string]float64   `json:"bias"`
	Regime  Regime               `json:"regime"`
	WinRate float64              `json:"win_rate"`
	Trades  int                  `json:"trades"`
}

// Optimizer adjusts risk parameters from recent closed positions. It never
// mutates its inputs; the engine swaps in the returned parameters.
type Optimizer struct {
	cfg      config.OptimizerConfig
	baseline trade.Weights
	minLev   int
	maxLev   int
	log      zerolog.Logger
}

// New creates an optimizer. baseline is the balanced weight vector neutral
// regimes relax toward.
func New(cfg config.OptimizerConfig, riskCfg config.RiskConfig, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		cfg: cfg,
		baseline: trade.Weights{
			Trend:      riskCfg.TrendWeight,
			Oscillator: riskCfg.OscillatorWeight,
			OrderFlow:  riskCfg.OrderFlowWeight,
			Momentum:   riskCfg.MomentumWeight,
		},
		minLev: riskCfg.MinLeverage,
		maxLev: riskCfg.MaxLeverage,
		log:    log.With().Str("component", "optimizer").Logger(),
	}
}

// Optimize inspects the most recent closed positions and the current
// volatility (ATR as a percent of price) and returns adjusted parameters
// plus recomputed per-instrument bias. bias carries the previous values;
// instruments with too few trades keep theirs.
func (o *Optimizer) Optimize(params trade.RiskParameters, closed []*trade.Position, volPct float64, bias map[string]float64) Result {
	if len(closed) > o.cfg.LookbackTrades {
		closed = closed[len(closed)-o.cfg.LookbackTrades:]
	}

	regime := o.classify(volPct)
	params.Weights = o.shiftWeights(params.Weights, regime)

	winRate := winRate(closed)
	if len(closed) > 0 {
		params.Leverage = o.adjustLeverage(params.Leverage, winRate)
	}

	out := Result{
		Params:  params,
		Bias:    o.recomputeBias(closed, bias),
		Regime:  regime,
		WinRate: winRate,
		Trades:  len(closed),
	}

	o.log.Info().
		Str("regime", string(regime)).
		Float64("vol_pct", volPct).
		Float64("win_rate", winRate).
		Int("trades", len(closed)).
		Int("leverage", params.Leverage).
		Float64("trend_w", params.Weights.Trend).
		Float64("oscillator_w", params.Weights.Oscillator).
		Msg("optimization pass complete")

	return out
}

func (o *Optimizer) classify(volPct float64) Regime {
	switch {
	case volPct >= o.cfg.HighVolPct:
		return RegimeHighVol
	case volPct > 0 && volPct <= o.cfg.LowVolPct:
		return RegimeLowVol
	default:
		return RegimeNeutral
	}
}

// shiftWeights moves weight mass between the mean-reversion oscillator and
// the trend-following factors. High volatility favors trend, momentum, and
// flow; low volatility favors the oscillator; neutral relaxes everything
// back toward the baseline.
func (o *Optimizer) shiftWeights(w trade.Weights, regime Regime) trade.Weights {
	step := o.cfg.WeightStep

	switch regime {
	case RegimeHighVol:
		moved := min(step, w.Oscillator-minWeight)
		if moved > 0 {
			w.Oscillator -= moved
			w.Trend += moved / 3
			w.Momentum += moved / 3
			w.OrderFlow += moved / 3
		}
	case RegimeLowVol:
		part := step / 3
		moved := 0.0
		for _, src := range []*float64{&w.Trend, &w.Momentum, &w.OrderFlow} {
			take := min(part, *src-minWeight)
			if take > 0 {
				*src -= take
				moved += take
			}
		}
		w.Oscillator += moved
	default:
		w.Trend += relaxFactor * (o.baseline.Trend - w.Trend)
		w.Oscillator += relaxFactor * (o.baseline.Oscillator - w.Oscillator)
		w.OrderFlow += relaxFactor * (o.baseline.OrderFlow - w.OrderFlow)
		w.Momentum += relaxFactor * (o.baseline.Momentum - w.Momentum)
	}

	return w
}

func (o *Optimizer) adjustLeverage(leverage int, winRate float64) int {
	if winRate > o.cfg.WinRateRaise && leverage < o.maxLev {
		leverage++
	} else if winRate < o.cfg.WinRateLower && leverage > o.minLev {
		leverage--
	}
	return leverage
}

// recomputeBias maps each instrument's own win rate into the configured
// multiplier range. The multiplier scales signal confidence, not the base
// score.
func (o *Optimizer) recomputeBias(closed []*trade.Position, prev map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(prev))
	for k, v := range prev {
		out[k] = v
	}

	wins := make(map[string]int)
	totals := make(map[string]int)
	for _, pos := range closed {
		totals[pos.Instrument]++
		if pos.RealizedPnL >= 0 {
			wins[pos.Instrument]++
		}
	}

	for instrument, total := range totals {
		if total < minTradesForBias {
			continue
		}
		rate := float64(wins[instrument]) / float64(total)
		out[instrument] = o.cfg.MinBias + rate*(o.cfg.MaxBias-o.cfg.MinBias)
	}
	return out
}

func winRate(closed []*trade.Position) float64 {
	if len(closed) == 0 {
		return 0
	}
	wins := 0
	for _, pos := range closed {
		if pos.RealizedPnL >= 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(closed))
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
