// Package features computes the per-instrument feature vector the scoring
// pipeline consumes: trend baseline, momentum oscillator, volatility, order
// flow, and momentum histogram.
package features

import (
	"context"
	"errors"
	"time"
)

// ErrDataUnavailable signals that market data could not be fetched this tick.
// The caller skips the instrument without mutating any state.
var ErrDataUnavailable = errors.New("market data unavailable")

// Kline is a single OHLCV candle.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// PriceLevel is one side level of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// MarketData is the market-data collaborator the aggregator reads from.
type MarketData interface {
	Klines(ctx context.Context, instrument, interval string, limit int) ([]Kline, error)
	OrderBook(ctx context.Context, instrument string, depth int) (*OrderBook, error)
}

// TrendState is the higher-timeframe trend classification.
type TrendState string

const (
	TrendBullish TrendState = "BULLISH"
	TrendBearish TrendState = "BEARISH"
	TrendNeutral TrendState = "NEUTRAL"
)

// FeatureVector is the fixed-shape snapshot of one instrument at one tick.
// Missing inputs get explicit neutral defaults rather than being omitted.
type FeatureVector struct {
	Instrument    string     `json:"instrument"`
	Price         float64    `json:"price"`
	TrendBaseline float64    `json:"trend_baseline"` // Long-horizon EMA
	FastEMA       float64    `json:"fast_ema"`
	RSI           float64    `json:"rsi"`
	ATR           float64    `json:"atr"`
	Imbalance     float64    `json:"imbalance"` // Order flow, -1..1
	MACDHistogram float64    `json:"macd_histogram"`
	Trend         TrendState `json:"trend"` // From two timeframes
	Timestamp     time.Time  `json:"timestamp"`
}

// ATRPercent returns volatility as a fraction of price, the optimizer's
// regime measure.
func (fv *FeatureVector) ATRPercent() float64 {
	if fv.Price <= 0 {
		return 0
	}
	return fv.ATR / fv.Price * 100
}
