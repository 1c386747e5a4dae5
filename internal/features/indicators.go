package features

import "math"

// SMA calculates the simple moving average of the last period closes.
func SMA(klines []Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average, seeded with an SMA.
func EMA(klines []Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}

	ema := SMA(klines[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(klines); i++ {
		ema = klines[i].Close*multiplier + ema*(1-multiplier)
	}
	return ema
}

func emaFromValues(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}

	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
	}
	return ema
}

// RSI calculates the Relative Strength Index. Returns a neutral 50 when
// there is not enough history.
func RSI(klines []Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR calculates the Average True Range over the last period candles.
func ATR(klines []Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}

	trSum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(period)
}

// MACDHistogram calculates the MACD histogram (MACD line minus its signal
// EMA) from the close series.
func MACDHistogram(klines []Kline, fastPeriod, slowPeriod, signalPeriod int) float64 {
	if len(klines) < slowPeriod+signalPeriod {
		return 0
	}

	// Build the MACD line series so the signal is a real EMA, not an
	// approximation.
	macdSeries := make([]float64, 0, len(klines)-slowPeriod+1)
	for end := slowPeriod; end <= len(klines); end++ {
		window := klines[:end]
		macdSeries = append(macdSeries, EMA(window, fastPeriod)-EMA(window, slowPeriod))
	}

	signal := emaFromValues(macdSeries, signalPeriod)
	return macdSeries[len(macdSeries)-1] - signal
}

// Imbalance computes the order flow imbalance from a depth snapshot,
// (bidVolume-askVolume)/(bidVolume+askVolume), in [-1, 1]. An empty book
// is neutral.
func Imbalance(book *OrderBook) float64 {
	if book == nil {
		return 0
	}

	bidVol := 0.0
	for _, lvl := range book.Bids {
		bidVol += lvl.Quantity
	}
	askVol := 0.0
	for _, lvl := range book.Asks {
		askVol += lvl.Quantity
	}

	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	return (bidVol - askVol) / total
}
