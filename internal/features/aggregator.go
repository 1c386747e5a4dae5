package features

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Indicator periods and fetch sizes. These track common charting defaults;
// the kline limit leaves room for the slow EMA to converge.
const (
	fastInterval = "15m"
	slowInterval = "1h"

	trendPeriod   = 200
	fastEMAPeriod = 50
	rsiPeriod     = 14
	atrPeriod     = 14
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9

	klineLimit = 250
	bookDepth  = 20
)

// Aggregator assembles feature vectors from the market-data collaborator.
type Aggregator struct {
	market MarketData
	log    zerolog.Logger
}

// NewAggregator creates a feature aggregator.
func NewAggregator(market MarketData, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		market: market,
		log:    log.With().Str("component", "features").Logger(),
	}
}

// Collect fetches market data for one instrument and computes its feature
// vector. Any fetch failure returns ErrDataUnavailable; nothing is mutated.
func (a *Aggregator) Collect(ctx context.Context, instrument string) (*FeatureVector, error) {
	fast, err := a.market.Klines(ctx, instrument, fastInterval, klineLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s klines: %v", ErrDataUnavailable, instrument, fastInterval, err)
	}
	if len(fast) == 0 {
		return nil, fmt.Errorf("%w: %s returned no candles", ErrDataUnavailable, instrument)
	}

	slow, err := a.market.Klines(ctx, instrument, slowInterval, klineLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s klines: %v", ErrDataUnavailable, instrument, slowInterval, err)
	}

	// A missing depth snapshot degrades to neutral flow instead of skipping
	// the instrument.
	book, err := a.market.OrderBook(ctx, instrument, bookDepth)
	if err != nil {
		a.log.Warn().Err(err).Str("instrument", instrument).Msg("order book unavailable, using neutral imbalance")
		book = nil
	}

	price := fast[len(fast)-1].Close

	fv := &FeatureVector{
		Instrument:    instrument,
		Price:         price,
		TrendBaseline: EMA(fast, trendPeriod),
		FastEMA:       EMA(fast, fastEMAPeriod),
		RSI:           RSI(fast, rsiPeriod),
		ATR:           ATR(fast, atrPeriod),
		Imbalance:     Imbalance(book),
		MACDHistogram: MACDHistogram(fast, macdFast, macdSlow, macdSignal),
		Trend:         classifyTrend(price, EMA(fast, trendPeriod), EMA(slow, trendPeriod)),
		Timestamp:     time.Now(),
	}

	a.log.Debug().
		Str("instrument", instrument).
		Float64("price", fv.Price).
		Float64("rsi", fv.RSI).
		Float64("imbalance", fv.Imbalance).
		Str("trend", string(fv.Trend)).
		Msg("features collected")

	return fv, nil
}

// classifyTrend derives the trend state from price vs the long EMA on both
// timeframes. Agreement is required for a directional call; anything mixed
// or unavailable is neutral.
func classifyTrend(price, fastBaseline, slowBaseline float64) TrendState {
	if fastBaseline <= 0 || slowBaseline <= 0 {
		return TrendNeutral
	}

	aboveFast := price > fastBaseline
	aboveSlow := price > slowBaseline

	switch {
	case aboveFast && aboveSlow:
		return TrendBullish
	case !aboveFast && !aboveSlow:
		return TrendBearish
	default:
		return TrendNeutral
	}
}
