package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

func gateConfig() config.RiskConfig {
	return config.RiskConfig{
		MinConfidence:      70,
		ContrarianOverride: 95,
		ConfluenceBar:      85,
		StandardBar:        90,
		StrongImbalance:    0.4,
	}
}

func newTestGate(v ThesisValidator) *Gate {
	return NewGate(gateConfig(), v, zerolog.Nop())
}

func alignedRequest(confidence int) Request {
	return Request{
		Instrument:  "BTCUSDT",
		Direction:   trade.Long,
		Confidence:  confidence,
		Probability: 0.55,
		Trend:       features.TrendBullish,
		Imbalance:   0.5,
	}
}

func TestGateRejectsLowConfidence(t *testing.T) {
	g := newTestGate(nil)

	d := g.Evaluate(context.Background(), alignedRequest(65))
	require.False(t, d.Approved)
	assert.Equal(t, RejectLowConfidence, d.Code)
}

func TestGateUsesRuntimeThreshold(t *testing.T) {
	g := newTestGate(nil)

	// A raised runtime threshold overrides the configured 70, so tuned
	// parameters take effect without rebuilding the gate.
	req := alignedRequest(88)
	req.MinConfidence = 92
	d := g.Evaluate(context.Background(), req)
	require.False(t, d.Approved)
	assert.Equal(t, RejectLowConfidence, d.Code)

	// Zero falls back to the configured default.
	req.MinConfidence = 0
	d = g.Evaluate(context.Background(), req)
	assert.NotEqual(t, RejectLowConfidence, d.Code)
}

func TestGateRejectsTrendMisalignment(t *testing.T) {
	g := newTestGate(nil)

	req := alignedRequest(92)
	req.Direction = trade.Short // short into a bullish trend
	d := g.Evaluate(context.Background(), req)
	require.False(t, d.Approved)
	assert.Equal(t, RejectTrendMisaligned, d.Code)
}

func TestGateContrarianOverride(t *testing.T) {
	g := newTestGate(nil)

	// At 95+ a contrarian signal passes the alignment rule. Misaligned means
	// not aligned, so the required bar stays at 90.
	req := alignedRequest(96)
	req.Direction = trade.Short
	d := g.Evaluate(context.Background(), req)
	assert.True(t, d.Approved)
	assert.Equal(t, 90, d.RequiredBar)
}

func TestGateBarDependsOnAlignmentAndFlow(t *testing.T) {
	g := newTestGate(nil)

	// Aligned with strong flow: 87 clears the lowered bar of 85.
	req := alignedRequest(87)
	d := g.Evaluate(context.Background(), req)
	assert.True(t, d.Approved)
	assert.Equal(t, 85, d.RequiredBar)

	// Weak flow raises the bar back to 90 and 87 no longer clears it.
	req.Imbalance = 0.2
	d = g.Evaluate(context.Background(), req)
	require.False(t, d.Approved)
	assert.Equal(t, RejectBelowBar, d.Code)
	assert.Equal(t, 90, d.RequiredBar)

	// Imbalance exactly at the threshold is not strong.
	req.Imbalance = 0.4
	d = g.Evaluate(context.Background(), req)
	assert.False(t, d.Approved)
}

func TestGateNeutralTrendUsesStandardBar(t *testing.T) {
	g := newTestGate(nil)

	req := alignedRequest(92)
	req.Trend = features.TrendNeutral
	d := g.Evaluate(context.Background(), req)
	assert.True(t, d.Approved)
	assert.Equal(t, 90, d.RequiredBar)
}

type stubValidator struct {
	result *ThesisResult
	err    error
}

func (s stubValidator) Validate(context.Context, ThesisRequest) (*ThesisResult, error) {
	return s.result, s.err
}

func TestGateOracleVeto(t *testing.T) {
	g := newTestGate(stubValidator{result: &ThesisResult{Approved: false, Reasoning: "momentum fading"}})

	d := g.Evaluate(context.Background(), alignedRequest(92))
	require.False(t, d.Approved)
	assert.Equal(t, RejectOracleVeto, d.Code)
	assert.Contains(t, d.Reason, "momentum fading")
}

func TestGateOracleDirectionDisagreementVetoes(t *testing.T) {
	g := newTestGate(stubValidator{result: &ThesisResult{
		Approved:  true,
		Direction: trade.Short,
		Reasoning: "sees distribution",
	}})

	d := g.Evaluate(context.Background(), alignedRequest(92))
	require.False(t, d.Approved)
	assert.Equal(t, RejectOracleVeto, d.Code)
}

func TestGateOracleFailureIsNotAVeto(t *testing.T) {
	g := newTestGate(stubValidator{err: errors.New("timeout")})

	d := g.Evaluate(context.Background(), alignedRequest(92))
	assert.True(t, d.Approved)
}

func TestGateRulesApplyInOrder(t *testing.T) {
	// A request failing several rules reports the earliest one.
	g := newTestGate(stubValidator{result: &ThesisResult{Approved: false}})

	req := alignedRequest(60)
	req.Direction = trade.Short
	d := g.Evaluate(context.Background(), req)
	assert.Equal(t, RejectLowConfidence, d.Code)
}
