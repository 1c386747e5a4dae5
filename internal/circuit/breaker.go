// Package circuit implements the capital-protection state machine that can
// veto any new trade admission based on realized PnL history.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
)

// State is the breaker's admission state.
type State string

const (
	StateArmed   State = "ARMED"   // Trading permitted
	StateTripped State = "TRIPPED" // Trading blocked until cooldown or manual reset
)

// Verdict is the result of one admission check.
type Verdict struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason,omitempty"`
	CooldownLeft time.Duration `json:"cooldown_left,omitempty"`
}

// Snapshot is a point-in-time copy of the breaker state for the API and
// persistence layers.
type Snapshot struct {
	State             State     `json:"state"`
	InitialCapital    float64   `json:"initial_capital"`
	CurrentCapital    float64   `json:"current_capital"`
	PeakCapital       float64   `json:"peak_capital"`
	DailyPnL          float64   `json:"daily_pnl"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	TripReason        string    `json:"trip_reason,omitempty"`
	TrippedAt         time.Time `json:"tripped_at,omitempty"`
	LastLossAt        time.Time `json:"last_loss_at,omitempty"`
}

// Breaker tracks capital and blocks admission when loss limits are hit.
//
// Recording an outcome and detecting a trip are deliberately separate:
// RecordTrade only updates the counters, and the trip itself is evaluated on
// the next CheckTrade call. This mirrors the original engine's behavior; a
// catastrophic loss is booked immediately but the breaker state only flips
// when admission is next requested.
type Breaker struct {
	cfg config.CircuitBreakerConfig
	log zerolog.Logger

	mu                sync.RWMutex
	tripped           bool
	tripReason        string
	trippedAt         time.Time
	initialCapital    float64
	currentCapital    float64
	peakCapital       float64
	dailyPnL          float64
	consecutiveLosses int
	lastLossAt        time.Time
	lastResetDay      time.Time

	onTrip  func(reason string)
	onReset func()
}

// NewBreaker creates an armed breaker with the given starting capital.
func NewBreaker(cfg config.CircuitBreakerConfig, initialCapital float64, log zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:            cfg,
		log:            log.With().Str("component", "circuit").Logger(),
		initialCapital: initialCapital,
		currentCapital: initialCapital,
		peakCapital:    initialCapital,
		lastResetDay:   time.Now().Truncate(24 * time.Hour),
	}
}

// OnTrip sets the callback invoked when the breaker trips.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback invoked when the breaker re-arms.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// CheckTrade decides whether a new trade may be admitted now. proposedRisk
// is the dollar amount at risk for this specific trade; a zero value skips
// the per-trade veto. Trip conditions are evaluated in a fixed order:
// daily loss, consecutive losses, drawdown, then the per-trade risk veto,
// which rejects the single trade without tripping the breaker.
func (b *Breaker) CheckTrade(now time.Time, proposedRisk float64) Verdict {
	if !b.cfg.Enabled {
		return Verdict{Allowed: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetDailyIfNeeded(now)

	if b.tripped {
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		elapsed := now.Sub(b.trippedAt)
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return Verdict{
				Allowed:      false,
				Reason:       fmt.Sprintf("circuit breaker tripped (%s), cooldown remaining %v", b.tripReason, remaining.Round(time.Second)),
				CooldownLeft: remaining,
			}
		}
		b.rearmLocked("cooldown elapsed")
	}

	if reason := b.tripConditionLocked(); reason != "" {
		b.tripLocked(reason, now)
		return Verdict{
			Allowed:      false,
			Reason:       reason,
			CooldownLeft: time.Duration(b.cfg.CooldownMinutes) * time.Minute,
		}
	}

	if proposedRisk > 0 && b.currentCapital > 0 {
		maxRisk := b.currentCapital * b.cfg.MaxTradeRiskPct / 100
		if proposedRisk > maxRisk {
			return Verdict{
				Allowed: false,
				Reason: fmt.Sprintf("trade risk %.2f exceeds %.1f%% of capital (%.2f)",
					proposedRisk, b.cfg.MaxTradeRiskPct, maxRisk),
			}
		}
	}

	return Verdict{Allowed: true}
}

// RecordTrade books a realized trade outcome. It always applies, regardless
// of breaker state: capital, peak, daily PnL, and the consecutive-loss
// counter are updated. It never trips the breaker itself.
func (b *Breaker) RecordTrade(pnl float64, now time.Time) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		b.log.Error().Float64("pnl", pnl).Msg("discarding invalid trade PnL")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetDailyIfNeeded(now)

	b.currentCapital += pnl
	if b.currentCapital > b.peakCapital {
		b.peakCapital = b.currentCapital
	}
	b.dailyPnL += pnl

	if pnl < 0 {
		b.consecutiveLosses++
		b.lastLossAt = now
	} else {
		b.consecutiveLosses = 0
	}

	b.log.Debug().
		Float64("pnl", pnl).
		Float64("capital", b.currentCapital).
		Float64("daily_pnl", b.dailyPnL).
		Int("consecutive_losses", b.consecutiveLosses).
		Msg("trade recorded")
}

// Reset manually re-arms the breaker. Unlike a cooldown re-arm it also
// clears the trip counters and rebases the drawdown peak to current
// capital, so the next admission check starts clean; otherwise a tripped
// drawdown or daily-loss condition would re-trip immediately with no trades
// admitted to recover through.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveLosses = 0
	b.dailyPnL = 0
	b.peakCapital = b.currentCapital
	b.rearmLocked("manual reset")
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := StateArmed
	if b.tripped {
		state = StateTripped
	}
	return Snapshot{
		State:             state,
		InitialCapital:    b.initialCapital,
		CurrentCapital:    b.currentCapital,
		PeakCapital:       b.peakCapital,
		DailyPnL:          b.dailyPnL,
		ConsecutiveLosses: b.consecutiveLosses,
		TripReason:        b.tripReason,
		TrippedAt:         b.trippedAt,
		LastLossAt:        b.lastLossAt,
	}
}

// Restore overwrites counters from a persisted snapshot. Intended for
// startup recovery only, before the decision loop runs.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tripped = s.State == StateTripped
	b.tripReason = s.TripReason
	b.trippedAt = s.TrippedAt
	b.initialCapital = s.InitialCapital
	b.currentCapital = s.CurrentCapital
	b.peakCapital = s.PeakCapital
	b.dailyPnL = s.DailyPnL
	b.consecutiveLosses = s.ConsecutiveLosses
	b.lastLossAt = s.LastLossAt
}

// CurrentCapital returns the breaker's view of account capital.
func (b *Breaker) CurrentCapital() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentCapital
}

// tripConditionLocked returns the first matching trip reason, or "".
func (b *Breaker) tripConditionLocked() string {
	if b.dailyPnL < 0 && b.currentCapital > 0 {
		lossPct := -b.dailyPnL / b.currentCapital * 100
		if lossPct >= b.cfg.MaxDailyLossPct {
			return fmt.Sprintf("Daily loss limit: %.2f%% >= %.2f%%", lossPct, b.cfg.MaxDailyLossPct)
		}
	}

	if b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return fmt.Sprintf("Consecutive losses: %d >= %d", b.consecutiveLosses, b.cfg.MaxConsecutiveLosses)
	}

	if b.peakCapital > 0 {
		drawdown := (b.peakCapital - b.currentCapital) / b.peakCapital * 100
		if drawdown >= b.cfg.MaxDrawdownPct {
			return fmt.Sprintf("Drawdown limit: %.2f%% >= %.2f%%", drawdown, b.cfg.MaxDrawdownPct)
		}
	}

	return ""
}

func (b *Breaker) tripLocked(reason string, now time.Time) {
	b.tripped = true
	b.tripReason = reason
	b.trippedAt = now

	b.log.Warn().Str("reason", reason).Msg("circuit breaker tripped")
	if b.onTrip != nil {
		go b.onTrip(reason)
	}
}

func (b *Breaker) rearmLocked(cause string) {
	if !b.tripped {
		return
	}
	b.tripped = false
	b.tripReason = ""

	b.log.Info().Str("cause", cause).Msg("circuit breaker re-armed")
	if b.onReset != nil {
		go b.onReset()
	}
}

// resetDailyIfNeeded zeroes the daily PnL at each calendar-day boundary,
// independent of trip state.
func (b *Breaker) resetDailyIfNeeded(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if day.After(b.lastResetDay) {
		b.dailyPnL = 0
		b.lastResetDay = day
	}
}
