package confluence

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

type stubOracle struct {
	p   float64
	err error
}

func (s stubOracle) WinProbability(context.Context, trade.Direction, *features.FeatureVector) (float64, error) {
	return s.p, s.err
}

func overlayConfig() config.RiskConfig {
	return config.RiskConfig{ProbabilityBoost: 0.10, ProbabilityPenalty: 0.15}
}

func TestOverlayBoostsHighProbability(t *testing.T) {
	o := NewOverlay(stubOracle{p: 0.75}, overlayConfig(), zerolog.Nop())

	est := o.Apply(context.Background(), trade.Long, 0.70, &features.FeatureVector{})
	assert.InDelta(t, 0.80, est.Score, 1e-9)
	assert.Equal(t, 80, est.Confidence)
	assert.True(t, est.OracleUsed)
}

func TestOverlayPenalizesLowProbability(t *testing.T) {
	o := NewOverlay(stubOracle{p: 0.30}, overlayConfig(), zerolog.Nop())

	est := o.Apply(context.Background(), trade.Long, 0.70, &features.FeatureVector{})
	assert.InDelta(t, 0.55, est.Score, 1e-9)
	assert.Equal(t, 55, est.Confidence)
}

func TestOverlayNeutralBandPassesThrough(t *testing.T) {
	for _, p := range []float64{0.40, 0.50, 0.60} {
		o := NewOverlay(stubOracle{p: p}, overlayConfig(), zerolog.Nop())
		est := o.Apply(context.Background(), trade.Long, 0.70, &features.FeatureVector{})
		assert.InDelta(t, 0.70, est.Score, 1e-9, "probability %.2f must not move the score", p)
	}
}

func TestOverlayClampsScore(t *testing.T) {
	o := NewOverlay(stubOracle{p: 0.99}, overlayConfig(), zerolog.Nop())
	est := o.Apply(context.Background(), trade.Long, 0.95, &features.FeatureVector{})
	assert.Equal(t, 1.0, est.Score)
	assert.Equal(t, 100, est.Confidence)

	o = NewOverlay(stubOracle{p: 0.05}, overlayConfig(), zerolog.Nop())
	est = o.Apply(context.Background(), trade.Long, 0.10, &features.FeatureVector{})
	assert.Equal(t, 0.0, est.Score)
}

func TestOverlayOracleFailureDegradesToNeutral(t *testing.T) {
	o := NewOverlay(stubOracle{err: errors.New("model down")}, overlayConfig(), zerolog.Nop())

	est := o.Apply(context.Background(), trade.Long, 0.70, &features.FeatureVector{})
	assert.InDelta(t, 0.70, est.Score, 1e-9)
	assert.Equal(t, 0.5, est.Probability)
	assert.False(t, est.OracleUsed)
}

func TestOverlayNilOracleIsNeutral(t *testing.T) {
	o := NewOverlay(nil, overlayConfig(), zerolog.Nop())

	est := o.Apply(context.Background(), trade.Long, 0.42, &features.FeatureVector{})
	assert.InDelta(t, 0.42, est.Score, 1e-9)
	assert.False(t, est.OracleUsed)
}
