// Package engine drives the signal pipeline: feature collection, confluence
// scoring, probability overlay, decision gating, breaker admission, sizing,
// and position supervision, plus the periodic self-optimization pass.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/cache"
	"crypto-signal-engine/internal/circuit"
	"crypto-signal-engine/internal/confluence"
	"crypto-signal-engine/internal/database"
	"crypto-signal-engine/internal/decision"
	"crypto-signal-engine/internal/events"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/lifecycle"
	"crypto-signal-engine/internal/notification"
	"crypto-signal-engine/internal/optimizer"
	"crypto-signal-engine/internal/sizing"
	"crypto-signal-engine/internal/trade"
)

// Deps carries the engine's collaborators. Repo and StateCache may be nil;
// the engine degrades to in-memory operation without them.
type Deps struct {
	Config     *config.Config
	Log        zerolog.Logger
	Aggregator *features.Aggregator
	Scorer     *confluence.Scorer
	Overlay    *confluence.Overlay
	Gate       *decision.Gate
	Breaker    *circuit.Breaker
	Sizer      *sizing.Sizer
	Lifecycle  *lifecycle.Manager
	Optimizer  *optimizer.Optimizer
	Bus        *events.Bus
	Repo       *database.Repository
	StateCache *cache.StateCache
	Notifier   notification.Notifier
}

// Engine owns the mutable trading state: tuned parameters, per-instrument
// bias, and the open-position book. All access goes through its mutex.
type Engine struct {
	cfg        *config.Config
	log        zerolog.Logger
	aggregator *features.Aggregator
	scorer     *confluence.Scorer
	overlay    *confluence.Overlay
	gate       *decision.Gate
	breaker    *circuit.Breaker
	sizer      *sizing.Sizer
	lifecycle  *lifecycle.Manager
	optimizer  *optimizer.Optimizer
	bus        *events.Bus
	repo       *database.Repository
	state      *cache.StateCache
	notifier   notification.Notifier

	mu           sync.RWMutex
	params       trade.RiskParameters
	bias         map[string]float64
	positions    map[string]*trade.Position
	closeReq     map[string]struct{}
	recentClosed []*trade.Position
	lastVolPct   float64
	startedAt    time.Time
}

// New wires the engine and hooks breaker transitions into events,
// notifications, and persistence.
func New(d Deps) *Engine {
	e := &Engine{
		cfg:        d.Config,
		log:        d.Log.With().Str("component", "engine").Logger(),
		aggregator: d.Aggregator,
		scorer:     d.Scorer,
		overlay:    d.Overlay,
		gate:       d.Gate,
		breaker:    d.Breaker,
		sizer:      d.Sizer,
		lifecycle:  d.Lifecycle,
		optimizer:  d.Optimizer,
		bus:        d.Bus,
		repo:       d.Repo,
		state:      d.StateCache,
		notifier:   d.Notifier,
		params:     trade.RiskParametersFromConfig(d.Config.Risk),
		bias:       make(map[string]float64),
		positions:  make(map[string]*trade.Position),
		closeReq:   make(map[string]struct{}),
	}
	if e.notifier == nil {
		e.notifier = notification.Noop{}
	}

	e.breaker.OnTrip(func(reason string) {
		e.bus.PublishBreakerTripped(reason)
		e.notifier.BreakerTripped(reason)
		e.persistBreakerEvent(reason)
	})
	e.breaker.OnReset(func() {
		e.bus.PublishBreakerReset()
		e.notifier.BreakerReset()
		e.persistBreakerEvent("re-armed")
	})

	e.lifecycle.OnClosed(func(pos *trade.Position) {
		e.onPositionClosed(pos)
	})

	return e
}

// Restore reloads state mirrors so a restart resumes where it left off:
// breaker snapshot and tuned parameters from Redis, open positions from
// PostgreSQL. Missing mirrors are not errors.
func (e *Engine) Restore(ctx context.Context) error {
	if e.state != nil {
		if snap, err := e.state.LoadBreakerSnapshot(ctx); err != nil {
			e.log.Warn().Err(err).Msg("breaker snapshot restore failed")
		} else if snap != nil {
			e.breaker.Restore(*snap)
			e.log.Info().Str("state", string(snap.State)).Msg("breaker state restored")
		}

		if params, err := e.state.LoadRiskParams(ctx); err != nil {
			e.log.Warn().Err(err).Msg("risk params restore failed")
		} else if params != nil {
			e.mu.Lock()
			e.params = *params
			e.mu.Unlock()
		}

		if bias, err := e.state.LoadAssetBias(ctx); err != nil {
			e.log.Warn().Err(err).Msg("asset bias restore failed")
		} else if bias != nil {
			e.mu.Lock()
			e.bias = bias
			e.mu.Unlock()
		}
	}

	if e.repo != nil {
		open, err := e.repo.OpenTrades(ctx)
		if err != nil {
			return fmt.Errorf("restore open positions: %w", err)
		}
		e.mu.Lock()
		for _, pos := range open {
			e.positions[pos.ID] = pos
		}
		e.mu.Unlock()
		if len(open) > 0 {
			e.log.Info().Int("count", len(open)).Msg("open positions restored")
		}
	}
	return nil
}

// Run blocks until ctx is cancelled, driving the scan, supervision, and
// optimization loops on their configured intervals.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	scanTicker := time.NewTicker(time.Duration(e.cfg.Engine.ScanIntervalSec) * time.Second)
	monitorTicker := time.NewTicker(time.Duration(e.cfg.Engine.MonitorIntervalSec) * time.Second)
	optimizeTicker := time.NewTicker(time.Duration(e.cfg.Engine.OptimizeIntervalMin) * time.Minute)
	defer scanTicker.Stop()
	defer monitorTicker.Stop()
	defer optimizeTicker.Stop()

	e.bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"instruments": e.cfg.Engine.Instruments,
		"dry_run":     e.cfg.Engine.DryRun,
	}})
	e.log.Info().
		Strs("instruments", e.cfg.Engine.Instruments).
		Bool("dry_run", e.cfg.Engine.DryRun).
		Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			e.bus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})
			e.log.Info().Msg("engine stopped")
			return
		case now := <-scanTicker.C:
			e.Scan(ctx, now)
		case now := <-monitorTicker.C:
			e.Supervise(ctx, now)
		case now := <-optimizeTicker.C:
			e.OptimizeOnce(ctx, now)
		}
	}
}

// Scan runs one signal pass over every configured instrument.
func (e *Engine) Scan(ctx context.Context, now time.Time) {
	var volSum float64
	var volCount int

	for _, instrument := range e.cfg.Engine.Instruments {
		vol, err := e.tick(ctx, now, instrument)
		if err != nil {
			e.log.Warn().Err(err).Str("instrument", instrument).Msg("scan tick failed")
			continue
		}
		volSum += vol
		volCount++
	}

	if volCount > 0 {
		e.mu.Lock()
		e.lastVolPct = volSum / float64(volCount)
		e.mu.Unlock()
	}
}

// tick evaluates one instrument and opens a position when every stage
// approves. Returns the instrument's ATR as a percentage of price for the
// regime classifier.
func (e *Engine) tick(ctx context.Context, now time.Time, instrument string) (float64, error) {
	fv, err := e.aggregator.Collect(ctx, instrument)
	if err != nil {
		return 0, err
	}

	e.mu.RLock()
	params := e.params
	bias := e.bias[instrument]
	openCount := len(e.positions)
	instrumentMargin, totalMargin := e.marginLocked(instrument)
	e.mu.RUnlock()

	breakdown := e.scorer.Score(fv, params.Weights)
	estimate := e.overlay.Apply(ctx, breakdown.Direction, breakdown.Strength, fv)

	// Per-instrument bias scales conviction, not the raw score, so the
	// blend stays comparable across instruments.
	confidence := estimate.Confidence
	if bias > 0 {
		confidence = int(math.Round(float64(confidence) * bias))
		if confidence > 100 {
			confidence = 100
		}
	}

	sig := &trade.Signal{
		ID:          trade.NewSignalID(),
		Instrument:  instrument,
		Direction:   breakdown.Direction,
		Price:       fv.Price,
		Confidence:  confidence,
		Probability: estimate.Probability,
		Reason:      fmt.Sprintf("confluence %.3f, probability %.2f", breakdown.Total, estimate.Probability),
		Features:    *fv,
		CreatedAt:   now,
	}

	dec := e.gate.Evaluate(ctx, decision.Request{
		Instrument:    instrument,
		Direction:     sig.Direction,
		Confidence:    sig.Confidence,
		MinConfidence: params.MinConfidence,
		Probability:   sig.Probability,
		Trend:         fv.Trend,
		Imbalance:     fv.Imbalance,
	})

	e.persistSignal(sig, &dec)

	if !dec.Approved {
		e.bus.Publish(events.Event{Type: events.EventSignalRejected, Data: map[string]interface{}{
			"instrument": instrument,
			"code":       string(dec.Code),
			"reason":     dec.Reason,
			"confidence": sig.Confidence,
		}})
		e.log.Debug().
			Str("instrument", instrument).
			Str("code", string(dec.Code)).
			Int("confidence", sig.Confidence).
			Msg("signal rejected")
		return fv.ATRPercent(), nil
	}

	e.bus.PublishSignal(instrument, string(sig.Direction), sig.Confidence, sig.Price)

	if openCount >= params.MaxOpenPositions {
		e.log.Info().Str("instrument", instrument).Msg("position book full, signal skipped")
		return fv.ATRPercent(), nil
	}

	account := e.accountState(totalMargin)
	plan, err := e.sizer.Plan(sig, account, params, instrumentMargin)
	if err != nil {
		e.log.Info().Err(err).Str("instrument", instrument).Msg("sizing declined")
		return fv.ATRPercent(), nil
	}

	if verdict := e.breaker.CheckTrade(now, plan.RiskAmount); !verdict.Allowed {
		e.log.Warn().
			Str("instrument", instrument).
			Str("reason", verdict.Reason).
			Dur("cooldown_left", verdict.CooldownLeft).
			Msg("breaker blocked trade")
		return fv.ATRPercent(), nil
	}

	pos, err := e.sizer.Execute(ctx, plan)
	if err != nil {
		e.log.Error().Err(err).Str("instrument", instrument).Msg("execution failed")
		return fv.ATRPercent(), nil
	}

	e.mu.Lock()
	e.positions[pos.ID] = pos
	e.mu.Unlock()

	e.persistOpen(pos)
	e.bus.PublishPositionOpened(pos.ID, pos.Instrument, string(pos.Direction), pos.EntryPrice, pos.Margin, pos.Leverage)
	e.notifier.PositionOpened(pos)
	e.mirrorBreaker()

	return fv.ATRPercent(), nil
}

// Supervise runs one exit-evaluation pass over the open book.
func (e *Engine) Supervise(ctx context.Context, now time.Time) {
	// The lifecycle manager works on copies, so it never mutates the book
	// entries the API is serving concurrently. Closed copies replace their
	// originals under the lock below.
	e.mu.RLock()
	open := make([]*trade.Position, 0, len(e.positions))
	for id, pos := range e.positions {
		cp := *pos
		if _, requested := e.closeReq[id]; requested {
			cp.CloseRequested = true
		}
		open = append(open, &cp)
	}
	e.mu.RUnlock()

	if len(open) == 0 {
		return
	}

	closed := e.lifecycle.Supervise(ctx, now, open)
	if len(closed) == 0 {
		return
	}

	e.mu.Lock()
	for _, pos := range closed {
		delete(e.positions, pos.ID)
		delete(e.closeReq, pos.ID)
		e.recentClosed = append(e.recentClosed, pos)
	}
	if max := e.cfg.Optimizer.LookbackTrades * 2; len(e.recentClosed) > max {
		e.recentClosed = e.recentClosed[len(e.recentClosed)-max:]
	}
	e.mu.Unlock()

	e.mirrorBreaker()
}

// onPositionClosed fans a close out to persistence, events, and alerts.
// Invoked by the lifecycle manager while the position is already terminal.
func (e *Engine) onPositionClosed(pos *trade.Position) {
	e.persistClose(pos)
	e.bus.PublishPositionClosed(pos.ID, pos.Instrument, string(pos.ExitReason), pos.ExitPrice, pos.RealizedPnL)
	e.notifier.PositionClosed(pos)
}

// OptimizeOnce runs one self-optimization pass and swaps in the result.
func (e *Engine) OptimizeOnce(ctx context.Context, now time.Time) {
	closed := e.closedForOptimizer(ctx)
	if len(closed) == 0 {
		return
	}

	e.mu.RLock()
	params := e.params
	bias := e.bias
	volPct := e.lastVolPct
	e.mu.RUnlock()

	result := e.optimizer.Optimize(params, closed, volPct, bias)

	e.mu.Lock()
	e.params = result.Params
	e.bias = result.Bias
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.EventParamsUpdated, Data: map[string]interface{}{
		"regime":   string(result.Regime),
		"win_rate": result.WinRate,
		"leverage": result.Params.Leverage,
		"trades":   result.Trades,
	}})
	e.log.Info().
		Str("regime", string(result.Regime)).
		Float64("win_rate", result.WinRate).
		Int("leverage", result.Params.Leverage).
		Int("trades", result.Trades).
		Msg("parameters re-tuned")

	if e.repo != nil {
		if err := e.repo.SaveParameterSnapshot(ctx, &result); err != nil {
			e.log.Warn().Err(err).Msg("parameter snapshot persist failed")
		}
	}
	if e.state != nil {
		if err := e.state.SaveRiskParams(ctx, result.Params); err != nil {
			e.log.Warn().Err(err).Msg("risk params mirror failed")
		}
		if err := e.state.SaveAssetBias(ctx, result.Bias); err != nil {
			e.log.Warn().Err(err).Msg("asset bias mirror failed")
		}
	}
}

// closedForOptimizer prefers the durable trade history, falling back to the
// in-memory ring when the database is disabled.
func (e *Engine) closedForOptimizer(ctx context.Context) []*trade.Position {
	if e.repo != nil {
		closed, err := e.repo.RecentClosedTrades(ctx, e.cfg.Optimizer.LookbackTrades)
		if err == nil {
			return closed
		}
		e.log.Warn().Err(err).Msg("closed-trade history unavailable, using in-memory window")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*trade.Position, len(e.recentClosed))
	copy(out, e.recentClosed)
	return out
}

// RequestClose flags a position for manual close on the next supervision
// pass. The flag lives in the engine's own state, not on the shared
// position struct.
func (e *Engine) RequestClose(positionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[positionID]; !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	e.closeReq[positionID] = struct{}{}
	return nil
}

// Positions returns a value-copy snapshot of the open book.
func (e *Engine) Positions() []trade.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]trade.Position, 0, len(e.positions))
	for id, pos := range e.positions {
		cp := *pos
		if _, requested := e.closeReq[id]; requested {
			cp.CloseRequested = true
		}
		out = append(out, cp)
	}
	return out
}

// Params returns the current tuned parameters.
func (e *Engine) Params() trade.RiskParameters {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParams replaces the tuned parameters from an operator request.
func (e *Engine) UpdateParams(params trade.RiskParameters) error {
	if params.Weights.Sum() <= 0 {
		return fmt.Errorf("weights must have positive sum")
	}
	if params.Leverage < e.cfg.Risk.MinLeverage || params.Leverage > e.cfg.Risk.MaxLeverage {
		return fmt.Errorf("leverage %d outside [%d, %d]", params.Leverage, e.cfg.Risk.MinLeverage, e.cfg.Risk.MaxLeverage)
	}

	e.mu.Lock()
	e.params = params
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.EventParamsUpdated, Data: map[string]interface{}{
		"source":   "operator",
		"leverage": params.Leverage,
	}})
	return nil
}

// BreakerSnapshot exposes the breaker state for the API.
func (e *Engine) BreakerSnapshot() circuit.Snapshot {
	return e.breaker.Snapshot()
}

// ResetBreaker re-arms the breaker on operator request.
func (e *Engine) ResetBreaker() {
	e.breaker.Reset()
	e.mirrorBreaker()
}

// Status is the engine health summary served by the API.
type Status struct {
	Running       bool                 `json:"running"`
	StartedAt     time.Time            `json:"started_at"`
	Instruments   []string             `json:"instruments"`
	DryRun        bool                 `json:"dry_run"`
	OpenPositions int                  `json:"open_positions"`
	Capital       float64              `json:"capital"`
	Breaker       circuit.Snapshot     `json:"breaker"`
	Params        trade.RiskParameters `json:"params"`
}

// CurrentStatus snapshots the engine for the status endpoint.
func (e *Engine) CurrentStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Running:       !e.startedAt.IsZero(),
		StartedAt:     e.startedAt,
		Instruments:   e.cfg.Engine.Instruments,
		DryRun:        e.cfg.Engine.DryRun,
		OpenPositions: len(e.positions),
		Capital:       e.breaker.CurrentCapital(),
		Breaker:       e.breaker.Snapshot(),
		Params:        e.params,
	}
}

// marginLocked sums committed margin for one instrument and overall.
// Caller holds at least a read lock.
func (e *Engine) marginLocked(instrument string) (instrumentMargin, totalMargin float64) {
	for _, pos := range e.positions {
		totalMargin += pos.Margin
		if pos.Instrument == instrument {
			instrumentMargin += pos.Margin
		}
	}
	return instrumentMargin, totalMargin
}

// accountState models the account from breaker capital and committed
// margin. Margin health is unknown in this model and stays zero.
func (e *Engine) accountState(totalMargin float64) trade.AccountState {
	equity := e.breaker.CurrentCapital()
	free := equity - totalMargin
	if free < 0 {
		free = 0
	}
	return trade.AccountState{Equity: equity, FreeBalance: free}
}

func (e *Engine) persistSignal(sig *trade.Signal, dec *decision.Decision) {
	if e.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.repo.SaveSignal(ctx, sig, dec); err != nil {
		e.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("signal persist failed")
	}
}

func (e *Engine) persistOpen(pos *trade.Position) {
	if e.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.repo.SaveOpenTrade(ctx, pos); err != nil {
		e.log.Warn().Err(err).Str("position_id", pos.ID).Msg("open trade persist failed")
	}
}

func (e *Engine) persistClose(pos *trade.Position) {
	if e.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.repo.CloseTrade(ctx, pos); err != nil {
		e.log.Warn().Err(err).Str("position_id", pos.ID).Msg("close persist failed")
	}
}

func (e *Engine) persistBreakerEvent(reason string) {
	snap := e.breaker.Snapshot()
	if e.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.repo.SaveBreakerEvent(ctx, snap, reason); err != nil {
			e.log.Warn().Err(err).Msg("breaker event persist failed")
		}
	}
	e.mirrorBreaker()
}

// mirrorBreaker pushes the breaker snapshot to the state cache.
func (e *Engine) mirrorBreaker() {
	if e.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.state.SaveBreakerSnapshot(ctx, e.breaker.Snapshot()); err != nil {
		e.log.Warn().Err(err).Msg("breaker mirror failed")
	}
}
