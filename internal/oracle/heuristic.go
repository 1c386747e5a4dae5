// Package oracle provides win-probability estimators and the optional LLM
// thesis validator consulted by the decision gate.
package oracle

import (
	"context"
	"math"

	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

// Heuristic estimates win probability from the feature vector alone, without
// a model service. Signals are combined into a logit and squashed through a
// sigmoid, so the output stays in (0,1) and saturates gracefully.
type Heuristic struct {
	momentumWeight   float64
	oscillatorWeight float64
	trendWeight      float64
	flowWeight       float64
}

// NewHeuristic creates the local estimator with fixed signal weights.
func NewHeuristic() *Heuristic {
	return &Heuristic{
		momentumWeight:   0.30,
		oscillatorWeight: 0.20,
		trendWeight:      0.25,
		flowWeight:       0.25,
	}
}

// WinProbability returns the estimated probability that a trade in the
// given direction would win. The logit is computed in bullish terms and
// negated for shorts, so mirror-image setups score symmetrically. Always
// succeeds.
func (h *Heuristic) WinProbability(_ context.Context, direction trade.Direction, fv *features.FeatureVector) (float64, error) {
	var logit float64

	switch fv.Trend {
	case features.TrendBullish:
		logit += h.trendWeight
	case features.TrendBearish:
		logit -= h.trendWeight
	}

	// RSI distance from midline, scaled to [-1, 1]. Oversold favors longs.
	logit -= h.oscillatorWeight * (fv.RSI - 50) / 50

	logit += h.flowWeight * clamp(fv.Imbalance, -1, 1)

	if fv.Price > 0 {
		momentum := fv.MACDHistogram / fv.Price * 1000 // scale to a usable range
		logit += h.momentumWeight * clamp(momentum, -1, 1)
	}

	if direction == trade.Short {
		logit = -logit
	}

	return sigmoid(2 * logit), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
