package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/sizing"
	"crypto-signal-engine/internal/trade"
)

// Paper executes orders against live market data without touching the real
// exchange. Fills happen at the current mid price with a fixed slippage.
// Used in dry-run mode and in tests.
type Paper struct {
	market features.MarketData
	log    zerolog.Logger

	mu     sync.Mutex
	seq    int
	fills  []PaperFill
	prices map[string]float64 // test override, wins over market data
}

// PaperFill records one simulated execution.
type PaperFill struct {
	OrderID    string
	Instrument string
	Direction  trade.Direction
	Quantity   float64
	Price      float64
}

const paperSlippageFraction = 0.0002

// NewPaper wraps a market-data source with simulated execution. market may be
// nil when prices are set manually via SetPrice.
func NewPaper(market features.MarketData, log zerolog.Logger) *Paper {
	return &Paper{
		market: market,
		log:    log.With().Str("component", "paper_exchange").Logger(),
		prices: make(map[string]float64),
	}
}

// SetPrice pins the mark price for an instrument. Overrides market data.
func (p *Paper) SetPrice(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrument] = price
}

// Price returns the pinned price if set, otherwise the last kline close.
func (p *Paper) Price(ctx context.Context, instrument string) (float64, error) {
	p.mu.Lock()
	pinned, ok := p.prices[instrument]
	p.mu.Unlock()
	if ok {
		return pinned, nil
	}

	if p.market == nil {
		return 0, fmt.Errorf("no price available for %s", instrument)
	}
	klines, err := p.market.Klines(ctx, instrument, "1m", 1)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, fmt.Errorf("no price available for %s", instrument)
	}
	return klines[len(klines)-1].Close, nil
}

// Klines delegates to the underlying market-data source.
func (p *Paper) Klines(ctx context.Context, instrument, interval string, limit int) ([]features.Kline, error) {
	if p.market == nil {
		return nil, features.ErrDataUnavailable
	}
	return p.market.Klines(ctx, instrument, interval, limit)
}

// OrderBook delegates to the underlying market-data source.
func (p *Paper) OrderBook(ctx context.Context, instrument string, depth int) (*features.OrderBook, error) {
	if p.market == nil {
		return nil, features.ErrDataUnavailable
	}
	return p.market.OrderBook(ctx, instrument, depth)
}

// SubmitOrder simulates a market fill at the current price plus slippage in
// the adverse direction.
func (p *Paper) SubmitOrder(ctx context.Context, instrument string, direction trade.Direction, quantity float64, leverage int) (*sizing.ExecutionReport, error) {
	price, err := p.Price(ctx, instrument)
	if err != nil {
		return nil, fmt.Errorf("paper fill failed: %w", err)
	}

	slip := price * paperSlippageFraction
	if direction == trade.Short {
		slip = -slip
	}
	filled := price + slip

	p.mu.Lock()
	p.seq++
	orderID := fmt.Sprintf("paper-%d", p.seq)
	p.fills = append(p.fills, PaperFill{
		OrderID:    orderID,
		Instrument: instrument,
		Direction:  direction,
		Quantity:   math.Abs(quantity),
		Price:      filled,
	})
	p.mu.Unlock()

	p.log.Info().
		Str("instrument", instrument).
		Str("direction", string(direction)).
		Float64("quantity", quantity).
		Float64("filled_price", filled).
		Msg("paper order filled")

	return &sizing.ExecutionReport{OrderID: orderID, FilledPrice: filled}, nil
}

// Fills returns a copy of every simulated execution so far.
func (p *Paper) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperFill, len(p.fills))
	copy(out, p.fills)
	return out
}
