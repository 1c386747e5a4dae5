package confluence

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

// ProbabilityOracle estimates the win probability of a trade in the given
// direction from the feature vector. Implementations must be
// timeout-bounded.
type ProbabilityOracle interface {
	WinProbability(ctx context.Context, direction trade.Direction, fv *features.FeatureVector) (float64, error)
}

// Estimate is the overlay output. OracleUsed distinguishes a real model
// answer from the neutral fallback, so oracle outages stay observable.
type Estimate struct {
	Score       float64 `json:"score"`
	Confidence  int     `json:"confidence"` // 0-100
	Probability float64 `json:"probability"`
	OracleUsed  bool    `json:"oracle_used"`
}

// Overlay adjusts a confluence score with the oracle's win probability. The
// penalty outweighs the boost so a skeptical model pulls harder than a
// confident one pushes.
type Overlay struct {
	oracle  ProbabilityOracle
	boost   float64
	penalty float64
	log     zerolog.Logger
}

// NewOverlay creates a probability overlay.
func NewOverlay(oracle ProbabilityOracle, cfg config.RiskConfig, log zerolog.Logger) *Overlay {
	return &Overlay{
		oracle:  oracle,
		boost:   cfg.ProbabilityBoost,
		penalty: cfg.ProbabilityPenalty,
		log:     log.With().Str("component", "overlay").Logger(),
	}
}

// Apply queries the oracle once and blends its probability into the
// directional strength. Oracle failure degrades to a neutral 0.5 and the
// score passes through unchanged.
func (o *Overlay) Apply(ctx context.Context, direction trade.Direction, strength float64, fv *features.FeatureVector) Estimate {
	probability := 0.5
	oracleUsed := false

	if o.oracle != nil {
		p, err := o.oracle.WinProbability(ctx, direction, fv)
		if err != nil {
			o.log.Warn().Err(err).Str("instrument", fv.Instrument).Msg("probability oracle unavailable, using neutral 0.5")
		} else {
			probability = clamp01(p)
			oracleUsed = true
		}
	}

	score := strength
	if probability > 0.60 {
		score += o.boost
	} else if probability < 0.40 {
		score -= o.penalty
	}
	score = clamp01(score)

	return Estimate{
		Score:       score,
		Confidence:  int(math.Round(score * 100)),
		Probability: probability,
		OracleUsed:  oracleUsed,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
