package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/circuit"
	"crypto-signal-engine/internal/sizing"
	"crypto-signal-engine/internal/trade"
)

type stubPrices struct {
	prices map[string]float64
	err    error
}

func (s stubPrices) Price(_ context.Context, instrument string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.prices[instrument], nil
}

type stubCloser struct {
	calls int
	err   error
	fill  float64
}

func (s *stubCloser) SubmitOrder(_ context.Context, _ string, _ trade.Direction, _ float64, _ int) (*sizing.ExecutionReport, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &sizing.ExecutionReport{OrderID: "close-1", FilledPrice: s.fill}, nil
}

func lifecycleConfig() config.SizingConfig {
	return config.SizingConfig{
		FeeRatePct:      0.05,
		StaleAfterHours: 4,
	}
}

func breakerFor(capital float64) *circuit.Breaker {
	cfg := config.CircuitBreakerConfig{
		Enabled:              true,
		MaxDailyLossPct:      5,
		MaxConsecutiveLosses: 5,
		MaxDrawdownPct:       15,
		MaxTradeRiskPct:      2,
		CooldownMinutes:      60,
	}
	return circuit.NewBreaker(cfg, capital, zerolog.Nop())
}

func longPosition() *trade.Position {
	return &trade.Position{
		ID:               "pos-1",
		Instrument:       "BTCUSDT",
		Direction:        trade.Long,
		EntryPrice:       100,
		Quantity:         10,
		Leverage:         10,
		Margin:           100,
		StopLoss:         95,
		TakeProfit:       110,
		LiquidationPrice: 90,
		Status:           trade.StatusOpen,
		OpenedAt:         time.Now().Add(-time.Hour),
	}
}

func newTestManager(prices stubPrices, closer *stubCloser, b *circuit.Breaker) *Manager {
	return NewManager(lifecycleConfig(), prices, closer, b, zerolog.Nop())
}

func TestSuperviseHoldsInsideBounds(t *testing.T) {
	closer := &stubCloser{fill: 104}
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 104}}, closer, breakerFor(10000))

	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{longPosition()})
	assert.Empty(t, closed)
	assert.Zero(t, closer.calls)
}

func TestStopLossExit(t *testing.T) {
	closer := &stubCloser{fill: 94.8}
	b := breakerFor(10000)
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 94.9}}, closer, b)

	pos := longPosition()
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	require.Len(t, closed, 1)

	assert.Equal(t, trade.ExitStopLoss, pos.ExitReason)
	assert.Equal(t, trade.StatusClosed, pos.Status)
	assert.Equal(t, 94.8, pos.ExitPrice)

	// PnL = (94.8-100)*10 - fees(10*100*0.0005 + 10*94.8*0.0005)
	fees := 10*100*0.0005 + 10*94.8*0.0005
	assert.InDelta(t, -52-fees, pos.RealizedPnL, 1e-9)
	assert.InDelta(t, 10000+pos.RealizedPnL, b.CurrentCapital(), 1e-9)
}

func TestLiquidationExitSkipsOrderAndLosesMargin(t *testing.T) {
	closer := &stubCloser{}
	b := breakerFor(10000)
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 89.5}}, closer, b)

	pos := longPosition()
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	require.Len(t, closed, 1)

	assert.Equal(t, trade.ExitLiquidation, pos.ExitReason)
	assert.Equal(t, -100.0, pos.RealizedPnL)
	assert.Zero(t, closer.calls, "liquidation needs no closing order")
	assert.InDelta(t, 9900, b.CurrentCapital(), 1e-9)
}

func TestLiquidationOutranksStop(t *testing.T) {
	// Price below both the stop and the liquidation level reports only
	// liquidation.
	closer := &stubCloser{}
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 85}}, closer, breakerFor(10000))

	pos := longPosition()
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	require.Len(t, closed, 1)
	assert.Equal(t, trade.ExitLiquidation, pos.ExitReason)
}

func TestManualCloseOutranksEverything(t *testing.T) {
	closer := &stubCloser{fill: 85}
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 85}}, closer, breakerFor(10000))

	pos := longPosition()
	pos.CloseRequested = true
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	require.Len(t, closed, 1)
	assert.Equal(t, trade.ExitManual, pos.ExitReason)
}

func TestTakeProfitExit(t *testing.T) {
	closer := &stubCloser{fill: 110.5}
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 110.2}}, closer, breakerFor(10000))

	pos := longPosition()
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	require.Len(t, closed, 1)
	assert.Equal(t, trade.ExitTakeProfit, pos.ExitReason)
	assert.Positive(t, pos.RealizedPnL)
}

func TestProfitGuardHoldsFeeUnprofitableTarget(t *testing.T) {
	// Gross PnL at the touch is 1.5 while round-trip fees are about 2.0;
	// the target is not taken.
	closer := &stubCloser{}
	m := newTestManager(stubPrices{prices: map[string]float64{"ETHUSDT": 200.15}}, closer, breakerFor(10000))

	pos := &trade.Position{
		ID:               "pos-2",
		Instrument:       "ETHUSDT",
		Direction:        trade.Long,
		EntryPrice:       200,
		Quantity:         10,
		Leverage:         5,
		Margin:           400,
		TakeProfit:       200.15,
		LiquidationPrice: 160,
		Status:           trade.StatusOpen,
		OpenedAt:         time.Now().Add(-time.Hour),
	}

	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	assert.Empty(t, closed)
	assert.True(t, pos.IsOpen())
	assert.Zero(t, closer.calls)
}

func TestStaleExitOnlyAtALoss(t *testing.T) {
	closer := &stubCloser{fill: 99}
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 99}}, closer, breakerFor(10000))

	pos := longPosition()
	pos.OpenedAt = time.Now().Add(-5 * time.Hour)
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	require.Len(t, closed, 1)
	assert.Equal(t, trade.ExitStale, pos.ExitReason)

	// Same age but in profit: the position rides on.
	closer = &stubCloser{fill: 104}
	m = newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 104}}, closer, breakerFor(10000))
	pos = longPosition()
	pos.OpenedAt = time.Now().Add(-5 * time.Hour)
	closed = m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	assert.Empty(t, closed)
}

func TestCloseOrderFailureKeepsPositionOpen(t *testing.T) {
	closer := &stubCloser{err: errors.New("exchange down")}
	b := breakerFor(10000)
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 94}}, closer, b)

	pos := longPosition()
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	assert.Empty(t, closed)
	assert.True(t, pos.IsOpen())
	assert.InDelta(t, 10000, b.CurrentCapital(), 1e-9, "no PnL is booked for a failed close")
}

func TestPriceFailureSkipsPosition(t *testing.T) {
	closer := &stubCloser{}
	m := newTestManager(stubPrices{err: errors.New("feed down")}, closer, breakerFor(10000))

	pos := longPosition()
	pos.CloseRequested = true
	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	assert.Empty(t, closed)
	assert.True(t, pos.IsOpen())
}

func TestShortPositionExits(t *testing.T) {
	short := &trade.Position{
		ID:               "pos-3",
		Instrument:       "BTCUSDT",
		Direction:        trade.Short,
		EntryPrice:       100,
		Quantity:         -10,
		Leverage:         10,
		Margin:           100,
		StopLoss:         105,
		TakeProfit:       92,
		LiquidationPrice: 110,
		Status:           trade.StatusOpen,
		OpenedAt:         time.Now().Add(-time.Hour),
	}

	closer := &stubCloser{fill: 91.9}
	b := breakerFor(10000)
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 91.9}}, closer, b)

	closed := m.Supervise(context.Background(), time.Now(), []*trade.Position{short})
	require.Len(t, closed, 1)
	assert.Equal(t, trade.ExitTakeProfit, short.ExitReason)
	assert.Positive(t, short.RealizedPnL)

	// Capital accounting holds across the book.
	assert.InDelta(t, 10000+short.RealizedPnL, b.CurrentCapital(), 1e-9)
}

func TestOnClosedCallbackFires(t *testing.T) {
	closer := &stubCloser{fill: 94.8}
	m := newTestManager(stubPrices{prices: map[string]float64{"BTCUSDT": 94.8}}, closer, breakerFor(10000))

	var got *trade.Position
	m.OnClosed(func(p *trade.Position) { got = p })

	pos := longPosition()
	m.Supervise(context.Background(), time.Now(), []*trade.Position{pos})
	require.NotNil(t, got)
	assert.Equal(t, pos.ID, got.ID)
}
