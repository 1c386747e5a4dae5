package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/circuit"
	"crypto-signal-engine/internal/events"
	"crypto-signal-engine/internal/lifecycle"
	"crypto-signal-engine/internal/sizing"
	"crypto-signal-engine/internal/trade"
)

type fixedPrices struct {
	price float64
}

func (f fixedPrices) Price(_ context.Context, _ string) (float64, error) {
	return f.price, nil
}

type acceptingCloser struct {
	calls int
}

func (a *acceptingCloser) SubmitOrder(_ context.Context, _ string, _ trade.Direction, _ float64, _ int) (*sizing.ExecutionReport, error) {
	a.calls++
	return &sizing.ExecutionReport{OrderID: "close-1", FilledPrice: 0}, nil
}

func newTestEngine(markPrice float64) *Engine {
	cfg := &config.Config{
		Risk:      config.RiskConfig{Leverage: 10, MinConfidence: 70, MaxOpenPositions: 5, MaxExposureFraction: 0.3},
		Optimizer: config.OptimizerConfig{LookbackTrades: 20},
	}
	breaker := circuit.NewBreaker(config.CircuitBreakerConfig{Enabled: false}, 10000, zerolog.Nop())
	manager := lifecycle.NewManager(
		config.SizingConfig{FeeRatePct: 0.05, StaleAfterHours: 4},
		fixedPrices{price: markPrice},
		&acceptingCloser{},
		breaker,
		zerolog.Nop(),
	)

	return New(Deps{
		Config:    cfg,
		Log:       zerolog.Nop(),
		Breaker:   breaker,
		Lifecycle: manager,
		Bus:       events.NewBus(),
	})
}

func openLong(id string) *trade.Position {
	return &trade.Position{
		ID:               id,
		SignalID:         "sig-" + id,
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

func TestRequestCloseUnknownPosition(t *testing.T) {
	e := newTestEngine(104)
	assert.Error(t, e.RequestClose("missing"))
}

func TestRequestCloseClosesOnNextSupervisePass(t *testing.T) {
	e := newTestEngine(104) // between stop and target, only a manual close can fire
	live := openLong("pos-1")
	e.mu.Lock()
	e.positions[live.ID] = live
	e.mu.Unlock()

	require.NoError(t, e.RequestClose(live.ID))
	e.Supervise(context.Background(), time.Now())

	assert.Empty(t, e.Positions())

	e.mu.RLock()
	defer e.mu.RUnlock()
	require.Len(t, e.recentClosed, 1)
	assert.Equal(t, trade.ExitManual, e.recentClosed[0].ExitReason)
	assert.NotContains(t, e.closeReq, live.ID)
}

func TestSuperviseLeavesBookEntriesUntouched(t *testing.T) {
	e := newTestEngine(104)
	live := openLong("pos-1")
	e.mu.Lock()
	e.positions[live.ID] = live
	e.mu.Unlock()

	require.NoError(t, e.RequestClose(live.ID))
	e.Supervise(context.Background(), time.Now())

	// The lifecycle pass worked on a copy; the struct the API may still be
	// serializing was never written to.
	assert.Equal(t, trade.StatusOpen, live.Status)
	assert.False(t, live.CloseRequested)
	assert.Zero(t, live.ExitPrice)
}

func TestPositionsReturnsIndependentCopies(t *testing.T) {
	e := newTestEngine(104)
	live := openLong("pos-1")
	e.mu.Lock()
	e.positions[live.ID] = live
	e.mu.Unlock()

	got := e.Positions()
	require.Len(t, got, 1)
	assert.False(t, got[0].CloseRequested)

	got[0].StopLoss = 1
	assert.InDelta(t, 95, live.StopLoss, 1e-9)

	// The snapshot reflects a pending manual-close request without the
	// flag ever being written to the live struct.
	require.NoError(t, e.RequestClose(live.ID))
	got = e.Positions()
	require.Len(t, got, 1)
	assert.True(t, got[0].CloseRequested)
	assert.False(t, live.CloseRequested)
}
