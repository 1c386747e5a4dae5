// Package confluence blends independent technical sub-signals into one
// directional strength score and overlays the model win probability.
package confluence

import (
	"fmt"

	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

// Momentum histogram magnitude (as a fraction of price) above which momentum
// counts as strong.
const strongMomentumFraction = 0.001

// Breakdown carries the sub-scores behind a confluence score. All values
// measure bullish strength in [0, 1]; bearish strength is the complement.
type Breakdown struct {
	TrendScore      float64 `json:"trend_score"`
	OscillatorScore float64 `json:"oscillator_score"`
	OrderFlowScore  float64 `json:"order_flow_score"`
	MomentumScore   float64 `json:"momentum_score"`

	Total     float64         `json:"total"`
	Direction trade.Direction `json:"direction"`
	Strength  float64         `json:"strength"` // Directional strength, 0..1

	Reasoning []string `json:"reasoning"`
}

// Scorer computes confluence scores. It is stateless; the weight vector
// lives in RiskParameters so the optimizer can tune it between ticks.
type Scorer struct{}

// NewScorer creates a confluence scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score blends the four sub-scores using the given weights. Weights are
// normalized by their sum at blend time, so a drifting weight vector never
// pushes the total outside [0, 1].
func (s *Scorer) Score(fv *features.FeatureVector, weights trade.Weights) *Breakdown {
	b := &Breakdown{
		TrendScore:      trendScore(fv),
		OscillatorScore: oscillatorScore(fv.RSI),
		OrderFlowScore:  orderFlowScore(fv.Imbalance),
		MomentumScore:   momentumScore(fv.MACDHistogram, fv.Price),
		Reasoning:       make([]string, 0, 4),
	}

	sum := weights.Sum()
	if sum <= 0 {
		// Invalid weights degrade to an equal blend rather than a crash.
		weights = trade.Weights{Trend: 1, Oscillator: 1, OrderFlow: 1, Momentum: 1}
		sum = 4
	}

	b.Total = (b.TrendScore*weights.Trend +
		b.OscillatorScore*weights.Oscillator +
		b.OrderFlowScore*weights.OrderFlow +
		b.MomentumScore*weights.Momentum) / sum

	if b.Total >= 0.5 {
		b.Direction = trade.Long
		b.Strength = b.Total
	} else {
		b.Direction = trade.Short
		b.Strength = 1 - b.Total
	}

	s.explain(b, fv)
	return b
}

func (s *Scorer) explain(b *Breakdown, fv *features.FeatureVector) {
	if b.TrendScore == 1.0 {
		b.Reasoning = append(b.Reasoning, "price above long-term trend baseline")
	} else {
		b.Reasoning = append(b.Reasoning, "price below long-term trend baseline")
	}

	if b.OscillatorScore >= 0.9 {
		b.Reasoning = append(b.Reasoning, fmt.Sprintf("RSI oversold (%.1f)", fv.RSI))
	} else if b.OscillatorScore <= 0.1 {
		b.Reasoning = append(b.Reasoning, fmt.Sprintf("RSI overbought (%.1f)", fv.RSI))
	}

	if fv.Imbalance > 0.3 {
		b.Reasoning = append(b.Reasoning, fmt.Sprintf("bid-heavy order flow (%.2f)", fv.Imbalance))
	} else if fv.Imbalance < -0.3 {
		b.Reasoning = append(b.Reasoning, fmt.Sprintf("ask-heavy order flow (%.2f)", fv.Imbalance))
	}

	if b.MomentumScore == 1.0 {
		b.Reasoning = append(b.Reasoning, "strong bullish momentum")
	} else if b.MomentumScore == 0.0 {
		b.Reasoning = append(b.Reasoning, "strong bearish momentum")
	}
}

// trendScore is binary: price above the long-horizon baseline or not.
func trendScore(fv *features.FeatureVector) float64 {
	if fv.TrendBaseline > 0 && fv.Price > fv.TrendBaseline {
		return 1.0
	}
	return 0.0
}

// oscillatorScore maps RSI through a piecewise-linear mean-reversion curve:
// oversold is bullish, overbought is bearish, linear in between.
func oscillatorScore(rsi float64) float64 {
	switch {
	case rsi <= 30:
		return 1.0
	case rsi >= 70:
		return 0.0
	default:
		return (70 - rsi) / 40
	}
}

// orderFlowScore rescales the [-1, 1] imbalance ratio to [0, 1].
func orderFlowScore(imbalance float64) float64 {
	score := (imbalance + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// momentumScore is a three-level step on the histogram's sign and magnitude:
// 0.8 for bullish, 1.0 when strongly bullish, mirrored for bearish.
func momentumScore(histogram, price float64) float64 {
	strong := price * strongMomentumFraction

	switch {
	case histogram > strong:
		return 1.0
	case histogram > 0:
		return 0.8
	case histogram < -strong:
		return 0.0
	default:
		return 0.2
	}
}
