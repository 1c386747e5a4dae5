package sizing

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

type mockExecutor struct {
	calls  int
	report *ExecutionReport
	err    error
}

func (m *mockExecutor) SubmitOrder(_ context.Context, _ string, _ trade.Direction, _ float64, _ int) (*ExecutionReport, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.report, nil
}

func sizingConfig() config.SizingConfig {
	return config.SizingConfig{
		BaseMarginUSD:      100,
		MinViableMarginUSD: 10,
		MinEquityUSD:       50,
		MinMarginHealth:    1.5,
		FeeRatePct:         0.05,
		StopATRMultiple:    1.5,
		TargetATRMultiple:  2.5,
		StaleAfterHours:    4,
	}
}

func testParams() trade.RiskParameters {
	return trade.RiskParameters{
		Weights:             trade.Weights{Trend: 0.25, Oscillator: 0.25, OrderFlow: 0.25, Momentum: 0.25},
		Leverage:            10,
		MaxOpenPositions:    5,
		MaxExposureFraction: 0.3,
	}
}

func testSignal() *trade.Signal {
	return &trade.Signal{
		ID:          trade.NewSignalID(),
		Instrument:  "BTCUSDT",
		Direction:   trade.Long,
		Price:       100,
		Confidence:  92,
		Probability: 0.92,
		Features:    features.FeatureVector{ATR: 2},
	}
}

func richAccount() trade.AccountState {
	return trade.AccountState{Equity: 10000, FreeBalance: 8000, MarginHealth: 2.0}
}

func TestPlanBaseCase(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	plan, err := s.Plan(testSignal(), richAccount(), testParams(), 0)
	require.NoError(t, err)

	assert.InDelta(t, 100, plan.Margin, 1e-9) // probability 0.92 keeps the 1x multiplier
	assert.InDelta(t, 10, plan.Quantity, 1e-9)
	assert.Equal(t, 10, plan.Leverage)
	assert.InDelta(t, 90, plan.Liquidation, 1e-9) // 100 - 100/10
}

func TestLiquidationPriceMirrorsForShorts(t *testing.T) {
	assert.InDelta(t, 90, liquidationPrice(100, 10, trade.Long), 1e-9)
	assert.InDelta(t, 110, liquidationPrice(100, 10, trade.Short), 1e-9)
	assert.InDelta(t, 50, liquidationPrice(100, 2, trade.Long), 1e-9)
}

func TestConfidenceMultiplierSteps(t *testing.T) {
	assert.Equal(t, 2.0, confidenceMultiplier(0.95))
	assert.Equal(t, 2.0, confidenceMultiplier(0.99))
	assert.Equal(t, 1.0, confidenceMultiplier(0.92))
	assert.Equal(t, 1.0, confidenceMultiplier(0.90))
	assert.Equal(t, 0.5, confidenceMultiplier(0.80))
}

func TestPlanSolvencyFloor(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	account := trade.AccountState{Equity: 40, FreeBalance: 40}
	_, err := s.Plan(testSignal(), account, testParams(), 0)
	assert.ErrorIs(t, err, ErrInsufficientCapital)
}

func TestPlanMarginHealthFloor(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	account := richAccount()
	account.MarginHealth = 1.2
	_, err := s.Plan(testSignal(), account, testParams(), 0)
	assert.ErrorIs(t, err, ErrMarginHealthLow)
}

func TestPlanExposureCapScalesDown(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	// Cap is 30% of 400 = 120; with 70 committed only 50 fits.
	account := trade.AccountState{Equity: 400, FreeBalance: 400, MarginHealth: 2}
	plan, err := s.Plan(testSignal(), account, testParams(), 70)
	require.NoError(t, err)
	assert.InDelta(t, 50, plan.Margin, 1e-9)
}

func TestPlanExposureCapRejectsWhenNothingFits(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	account := trade.AccountState{Equity: 400, FreeBalance: 400, MarginHealth: 2}
	_, err := s.Plan(testSignal(), account, testParams(), 115)
	assert.ErrorIs(t, err, ErrExposureCapExceeded)
}

func TestPlanHalfFreeBalanceCap(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	account := trade.AccountState{Equity: 10000, FreeBalance: 120, MarginHealth: 2}
	plan, err := s.Plan(testSignal(), account, testParams(), 0)
	require.NoError(t, err)
	assert.InDelta(t, 60, plan.Margin, 1e-9)
}

func TestPlanMirrorsSignalExitLevels(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	sig := testSignal()
	sig.StopLoss = 97
	sig.TakeProfit = 108
	plan, err := s.Plan(sig, richAccount(), testParams(), 0)
	require.NoError(t, err)
	assert.Equal(t, 97.0, plan.StopLoss)
	assert.Equal(t, 108.0, plan.TakeProfit)
}

func TestPlanDerivesExitLevelsFromATR(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	plan, err := s.Plan(testSignal(), richAccount(), testParams(), 0)
	require.NoError(t, err)

	// ATR 2, fee delta = 100 * 2 * 0.05/100 = 0.1
	assert.InDelta(t, 100-1.5*2-0.1, plan.StopLoss, 1e-9)
	assert.InDelta(t, 100+2.5*2+0.1, plan.TakeProfit, 1e-9)
}

func TestPlanRiskAmount(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	sig := testSignal()
	sig.StopLoss = 98
	sig.TakeProfit = 106
	plan, err := s.Plan(sig, richAccount(), testParams(), 0)
	require.NoError(t, err)

	// |100-98| * 10 units
	assert.InDelta(t, 20, plan.RiskAmount, 1e-9)
}

func TestPlanCapsRiskAtAccountFraction(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	sig := testSignal()
	sig.StopLoss = 98
	sig.TakeProfit = 106
	params := testParams()
	params.AccountRiskFraction = 0.001 // max 10 at risk on 10000 equity

	plan, err := s.Plan(sig, richAccount(), params, 0)
	require.NoError(t, err)

	// Uncapped risk is 20; the whole position scales down by half to fit.
	assert.InDelta(t, 10, plan.RiskAmount, 1e-9)
	assert.InDelta(t, 50, plan.Margin, 1e-9)
	assert.InDelta(t, 5, plan.Quantity, 1e-9)
}

func TestPlanRejectsWhenRiskCapUnviable(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	sig := testSignal()
	sig.StopLoss = 98
	sig.TakeProfit = 106
	params := testParams()
	params.AccountRiskFraction = 0.00005 // caps margin below the viable floor

	_, err := s.Plan(sig, richAccount(), params, 0)
	require.ErrorIs(t, err, ErrInsufficientCapital)
}

func TestExecuteOpensPosition(t *testing.T) {
	exec := &mockExecutor{report: &ExecutionReport{OrderID: "1", FilledPrice: 100.2}}
	s := NewSizer(sizingConfig(), exec, zerolog.Nop())

	plan, err := s.Plan(testSignal(), richAccount(), testParams(), 0)
	require.NoError(t, err)

	pos, err := s.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, trade.StatusOpen, pos.Status)
	assert.Equal(t, 100.2, pos.EntryPrice)
	// Liquidation recomputed from the actual fill.
	assert.InDelta(t, 100.2-100.2/10, pos.LiquidationPrice, 1e-9)
	assert.Equal(t, 1, exec.calls)
}

func TestExecuteDuplicateSignalRejected(t *testing.T) {
	exec := &mockExecutor{report: &ExecutionReport{OrderID: "1", FilledPrice: 100}}
	s := NewSizer(sizingConfig(), exec, zerolog.Nop())

	plan, err := s.Plan(testSignal(), richAccount(), testParams(), 0)
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), plan)
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), plan)
	assert.ErrorIs(t, err, ErrDuplicateSignal)
	assert.Equal(t, 1, exec.calls, "duplicate must never reach the exchange")
}

func TestExecuteMarksConsumedEvenOnFailure(t *testing.T) {
	exec := &mockExecutor{err: errors.New("exchange rejected")}
	s := NewSizer(sizingConfig(), exec, zerolog.Nop())

	plan, err := s.Plan(testSignal(), richAccount(), testParams(), 0)
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), plan)
	require.ErrorIs(t, err, ErrExecutionFailed)

	// At-most-once: a failed submission still consumes the signal.
	_, err = s.Execute(context.Background(), plan)
	assert.ErrorIs(t, err, ErrDuplicateSignal)
	assert.Equal(t, 1, exec.calls)
}

func TestZeroMarginHealthSkipsTheFloor(t *testing.T) {
	s := NewSizer(sizingConfig(), &mockExecutor{}, zerolog.Nop())

	account := trade.AccountState{Equity: 10000, FreeBalance: 8000, MarginHealth: 0}
	_, err := s.Plan(testSignal(), account, testParams(), 0)
	assert.NoError(t, err)
}
