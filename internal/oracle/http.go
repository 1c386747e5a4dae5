package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

// HTTPOracle queries an external win-probability model over REST. Failures
// surface as errors so the overlay can apply its neutral fallback.
type HTTPOracle struct {
	http *resty.Client
	log  zerolog.Logger
}

type probabilityRequest struct {
	Direction     string  `json:"direction"`
	Price         float64 `json:"price"`
	Trend         string  `json:"trend"`
	RSI           float64 `json:"rsi"`
	ATR           float64 `json:"atr"`
	Imbalance     float64 `json:"imbalance"`
	MACDHistogram float64 `json:"macd_histogram"`
}

type probabilityResponse struct {
	Probability float64 `json:"probability"`
}

// NewHTTPOracle creates a client for the model service.
func NewHTTPOracle(cfg config.OracleConfig, log zerolog.Logger) *HTTPOracle {
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetRetryCount(1)

	return &HTTPOracle{
		http: client,
		log:  log.With().Str("component", "oracle").Logger(),
	}
}

// WinProbability asks the model service for a probability in [0,1] for a
// trade in the given direction.
func (o *HTTPOracle) WinProbability(ctx context.Context, direction trade.Direction, fv *features.FeatureVector) (float64, error) {
	var out probabilityResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetBody(probabilityRequest{
			Direction:     string(direction),
			Price:         fv.Price,
			Trend:         string(fv.Trend),
			RSI:           fv.RSI,
			ATR:           fv.ATR,
			Imbalance:     fv.Imbalance,
			MACDHistogram: fv.MACDHistogram,
		}).
		SetResult(&out).
		Post("/predict")
	if err != nil {
		return 0, fmt.Errorf("oracle request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("oracle returned %s", resp.Status())
	}
	if out.Probability < 0 || out.Probability > 1 {
		return 0, fmt.Errorf("oracle returned probability %.4f outside [0,1]", out.Probability)
	}
	return out.Probability, nil
}
