package confluence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

func equalWeights() trade.Weights {
	return trade.Weights{Trend: 0.25, Oscillator: 0.25, OrderFlow: 0.25, Momentum: 0.25}
}

func bullishVector() *features.FeatureVector {
	return &features.FeatureVector{
		Instrument:    "BTCUSDT",
		Price:         50000,
		TrendBaseline: 48000,
		RSI:           35,
		Imbalance:     0.6,
		MACDHistogram: 80, // above 0.1% of price (50)
		Trend:         features.TrendBullish,
	}
}

func TestTrendScoreIsBinary(t *testing.T) {
	fv := bullishVector()
	assert.Equal(t, 1.0, trendScore(fv))

	fv.Price = 47000
	assert.Equal(t, 0.0, trendScore(fv))

	// Missing baseline never counts as above it.
	fv.TrendBaseline = 0
	fv.Price = 50000
	assert.Equal(t, 0.0, trendScore(fv))
}

func TestOscillatorScorePiecewiseLinear(t *testing.T) {
	assert.Equal(t, 1.0, oscillatorScore(25))
	assert.Equal(t, 1.0, oscillatorScore(30))
	assert.Equal(t, 0.0, oscillatorScore(70))
	assert.Equal(t, 0.0, oscillatorScore(85))
	assert.InDelta(t, 0.5, oscillatorScore(50), 1e-9)
	assert.InDelta(t, 0.75, oscillatorScore(40), 1e-9)
}

func TestOrderFlowScoreRescalesImbalance(t *testing.T) {
	assert.InDelta(t, 1.0, orderFlowScore(1), 1e-9)
	assert.InDelta(t, 0.0, orderFlowScore(-1), 1e-9)
	assert.InDelta(t, 0.5, orderFlowScore(0), 1e-9)
	assert.InDelta(t, 0.8, orderFlowScore(0.6), 1e-9)
}

func TestMomentumScoreThreeLevelStep(t *testing.T) {
	price := 50000.0 // strong threshold is 50

	assert.Equal(t, 1.0, momentumScore(80, price))
	assert.Equal(t, 0.8, momentumScore(20, price))
	assert.Equal(t, 0.2, momentumScore(-20, price))
	assert.Equal(t, 0.0, momentumScore(-80, price))
	assert.Equal(t, 0.2, momentumScore(0, price))
}

func TestScoreBlendsWithWeights(t *testing.T) {
	scorer := NewScorer()
	fv := bullishVector()

	b := scorer.Score(fv, equalWeights())

	// trend 1.0, oscillator 0.875, flow 0.8, momentum 1.0
	expected := (1.0 + 0.875 + 0.8 + 1.0) / 4
	assert.InDelta(t, expected, b.Total, 1e-9)
	assert.Equal(t, trade.Long, b.Direction)
	assert.InDelta(t, expected, b.Strength, 1e-9)
}

func TestScoreNormalizesUnevenWeights(t *testing.T) {
	scorer := NewScorer()
	fv := bullishVector()

	// Double mass on trend; normalization keeps the total inside [0,1].
	w := trade.Weights{Trend: 2, Oscillator: 1, OrderFlow: 1, Momentum: 1}
	b := scorer.Score(fv, w)

	expected := (1.0*2 + 0.875 + 0.8 + 1.0) / 5
	assert.InDelta(t, expected, b.Total, 1e-9)
}

func TestScoreDegradesInvalidWeightsToEqualBlend(t *testing.T) {
	scorer := NewScorer()
	fv := bullishVector()

	zero := scorer.Score(fv, trade.Weights{})
	equal := scorer.Score(fv, equalWeights())
	assert.InDelta(t, equal.Total, zero.Total, 1e-9)
}

func TestScoreShortDirection(t *testing.T) {
	scorer := NewScorer()
	fv := &features.FeatureVector{
		Instrument:    "ETHUSDT",
		Price:         2000,
		TrendBaseline: 2100,
		RSI:           78,
		Imbalance:     -0.5,
		MACDHistogram: -5, // below -0.1% of price (-2)
		Trend:         features.TrendBearish,
	}

	b := scorer.Score(fv, equalWeights())
	assert.Equal(t, trade.Short, b.Direction)
	assert.InDelta(t, 1-b.Total, b.Strength, 1e-9)
	assert.Less(t, b.Total, 0.5)
}
