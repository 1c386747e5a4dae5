// Package decision implements the gate that turns a scored opportunity into
// an actionable signal, or rejects it with a reason.
package decision

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/trade"
)

// RejectionCode classifies why the gate turned an opportunity down.
type RejectionCode string

const (
	RejectNone            RejectionCode = ""
	RejectLowConfidence   RejectionCode = "LOW_CONFIDENCE"
	RejectTrendMisaligned RejectionCode = "TREND_MISALIGNED"
	RejectOracleVeto      RejectionCode = "ORACLE_VETO"
	RejectBelowBar        RejectionCode = "BELOW_REQUIRED_BAR"
)

// ThesisRequest describes a setup for external validation.
type ThesisRequest struct {
	Instrument  string
	Direction   trade.Direction
	Confidence  int
	Description string
}

// ThesisResult is the validation oracle's judgment. Direction is the
// oracle's own trend call; disagreement with the signal vetoes it.
type ThesisResult struct {
	Approved   bool
	Direction  trade.Direction
	Confidence float64
	Reasoning  string
}

// ThesisValidator is the optional external validation oracle. A nil
// validator skips oracle review entirely.
type ThesisValidator interface {
	Validate(ctx context.Context, req ThesisRequest) (*ThesisResult, error)
}

// Request is one gating evaluation. MinConfidence carries the current
// runtime threshold; when zero, the gate's configured default applies.
type Request struct {
	Instrument    string
	Direction     trade.Direction
	Confidence    int
	MinConfidence int
	Probability   float64
	Trend         features.TrendState
	Imbalance     float64
}

// Decision is the gate's verdict. The gate has no side effects; persistence
// and broadcast belong to the caller.
type Decision struct {
	Approved    bool          `json:"approved"`
	Probability float64       `json:"probability"`
	RequiredBar int           `json:"required_bar"`
	Code        RejectionCode `json:"code,omitempty"`
	Reason      string        `json:"reason"`
}

// Gate applies the confidence, trend-alignment, and oracle rules.
type Gate struct {
	minConfidence      int
	contrarianOverride int
	confluenceBar      int
	standardBar        int
	strongImbalance    float64
	validator          ThesisValidator
	log                zerolog.Logger
}

// NewGate creates a decision gate. validator may be nil.
func NewGate(cfg config.RiskConfig, validator ThesisValidator, log zerolog.Logger) *Gate {
	return &Gate{
		minConfidence:      cfg.MinConfidence,
		contrarianOverride: cfg.ContrarianOverride,
		confluenceBar:      cfg.ConfluenceBar,
		standardBar:        cfg.StandardBar,
		strongImbalance:    cfg.StrongImbalance,
		validator:          validator,
		log:                log.With().Str("component", "gate").Logger(),
	}
}

// Evaluate runs the gating rules in order: minimum confidence, trend
// alignment (with the high-confidence contrarian override), oracle veto,
// then the required-confidence bar, which is more lenient when trend and
// strong order flow agree.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	minConfidence := g.minConfidence
	if req.MinConfidence > 0 {
		minConfidence = req.MinConfidence
	}
	if req.Confidence < minConfidence {
		return Decision{
			Probability: req.Probability,
			Code:        RejectLowConfidence,
			Reason:      fmt.Sprintf("confidence %d below minimum %d", req.Confidence, minConfidence),
		}
	}

	aligned := trendAligned(req.Direction, req.Trend)
	misaligned := trendMisaligned(req.Direction, req.Trend)

	if misaligned && req.Confidence < g.contrarianOverride {
		return Decision{
			Probability: req.Probability,
			Code:        RejectTrendMisaligned,
			Reason: fmt.Sprintf("%s signal against %s higher-timeframe trend (confidence %d < override %d)",
				req.Direction, req.Trend, req.Confidence, g.contrarianOverride),
		}
	}

	if g.validator != nil {
		if d, vetoed := g.consultValidator(ctx, req); vetoed {
			return d
		}
	}

	bar := g.standardBar
	if aligned && math.Abs(req.Imbalance) > g.strongImbalance {
		bar = g.confluenceBar
	}

	if req.Confidence < bar {
		return Decision{
			Probability: req.Probability,
			RequiredBar: bar,
			Code:        RejectBelowBar,
			Reason:      fmt.Sprintf("confidence %d below required bar %d", req.Confidence, bar),
		}
	}

	return Decision{
		Approved:    true,
		Probability: req.Probability,
		RequiredBar: bar,
		Reason:      fmt.Sprintf("%s approved at confidence %d (bar %d)", req.Direction, req.Confidence, bar),
	}
}

// consultValidator queries the thesis oracle. A veto rejects regardless of
// confidence; an oracle failure is logged and skipped.
func (g *Gate) consultValidator(ctx context.Context, req Request) (Decision, bool) {
	result, err := g.validator.Validate(ctx, ThesisRequest{
		Instrument:  req.Instrument,
		Direction:   req.Direction,
		Confidence:  req.Confidence,
		Description: describeSetup(req),
	})
	if err != nil {
		g.log.Warn().Err(err).Str("instrument", req.Instrument).Msg("thesis validator unavailable, skipping oracle review")
		return Decision{}, false
	}

	if !result.Approved || (result.Direction != "" && result.Direction != req.Direction) {
		return Decision{
			Probability: req.Probability,
			Code:        RejectOracleVeto,
			Reason:      fmt.Sprintf("validation oracle disagrees: %s", result.Reasoning),
		}, true
	}
	return Decision{}, false
}

// describeSetup renders the setup as a short natural-language line for the
// validation oracle.
func describeSetup(req Request) string {
	return fmt.Sprintf("%s %s setup at confidence %d, higher-timeframe trend %s, order flow imbalance %.2f, estimated win probability %.2f",
		req.Instrument, req.Direction, req.Confidence, req.Trend, req.Imbalance, req.Probability)
}

func trendAligned(dir trade.Direction, trend features.TrendState) bool {
	return (dir == trade.Long && trend == features.TrendBullish) ||
		(dir == trade.Short && trend == features.TrendBearish)
}

func trendMisaligned(dir trade.Direction, trend features.TrendState) bool {
	return (dir == trade.Long && trend == features.TrendBearish) ||
		(dir == trade.Short && trend == features.TrendBullish)
}
