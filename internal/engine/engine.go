package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/database"
	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/allocation"
	"github.com/aristath/regime-engine/internal/modules/breaker"
	"github.com/aristath/regime-engine/internal/modules/history"
	"github.com/aristath/regime-engine/internal/modules/indicators"
	"github.com/aristath/regime-engine/internal/modules/regime"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
	"github.com/aristath/regime-engine/internal/modules/weights"
)

// Options tunes the evaluation cycle.
type Options struct {
	FreshnessWindow time.Duration
	SmoothingWindow int
}

// Engine runs the evaluation pipeline: classify → resolve → breaker gate →
// allocate → record. At most one cycle executes at a time; configuration is
// snapshotted once at cycle start; the cycle's derived state commits in a
// single transaction.
type Engine struct {
	db         *database.DB
	configRepo *regimeconfig.Repository
	readings   *indicators.Repository
	classifier *regime.Classifier
	resolver   *weights.Resolver
	allocator  *allocation.Allocator
	recorder   *history.Recorder
	breaker    *breaker.Breaker
	clock      domain.Clock
	opts       Options
	log        zerolog.Logger

	runMu sync.Mutex // serializes cycles; TryLock gives busy semantics

	mu             sync.RWMutex // guards the last-known-good view below
	lastState      *regime.State
	lastEffective  *weights.Effective
	lastAllocation allocation.Result
	lastBreaker    bool
	lastError      string
	lastCycleAt    time.Time
}

// New creates the engine and restores the last-known-good state from the
// database, so transition detection survives restarts.
func New(
	db *database.DB,
	configRepo *regimeconfig.Repository,
	readings *indicators.Repository,
	classifier *regime.Classifier,
	resolver *weights.Resolver,
	allocator *allocation.Allocator,
	recorder *history.Recorder,
	brk *breaker.Breaker,
	clock domain.Clock,
	opts Options,
	log zerolog.Logger,
) (*Engine, error) {
	e := &Engine{
		db:         db,
		configRepo: configRepo,
		readings:   readings,
		classifier: classifier,
		resolver:   resolver,
		allocator:  allocator,
		recorder:   recorder,
		breaker:    brk,
		clock:      clock,
		opts:       opts,
		log:        log.With().Str("component", "engine").Logger(),
	}

	restored, err := loadState(db.Conn())
	if err != nil {
		return nil, err
	}
	if restored != nil {
		e.lastState = restored.RegimeState
		e.lastEffective = restored.Effective
		e.lastAllocation = restored.Allocation
		e.lastBreaker = restored.BreakerTripped
		e.log.Info().Msg("Restored last-known-good engine state")
	}
	return e, nil
}

// RunCycle executes one evaluation cycle. A second caller while a cycle is
// in flight gets domain.ErrEvaluationBusy. Classification errors leave the
// previous durable state authoritative and write no history.
func (e *Engine) RunCycle(trigger domain.TriggerSource) error {
	if !e.runMu.TryLock() {
		return domain.ErrEvaluationBusy
	}
	defer e.runMu.Unlock()

	err := e.runCycleLocked(trigger)
	e.mu.Lock()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()
	return err
}

func (e *Engine) runCycleLocked(trigger domain.TriggerSource) error {
	now := e.clock.Now()
	cycleID := uuid.NewString()
	log := e.log.With().Str("cycle_id", cycleID).Str("trigger", string(trigger)).Logger()

	// Config is snapshotted once; a concurrent write cannot affect this cycle.
	doc, err := e.configRepo.Get()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !doc.Enabled {
		log.Debug().Msg("Engine disabled, skipping cycle")
		return nil
	}
	if len(doc.SymbolStrategies) == 0 {
		log.Debug().Msg("No symbol bindings configured, skipping cycle")
		return nil
	}

	inputs, snapshot := e.collectInputs(&doc.Rules, now)

	symbols := make([]string, 0, len(doc.SymbolStrategies))
	for symbol := range doc.SymbolStrategies {
		symbols = append(symbols, symbol)
	}

	state, err := e.classifier.Classify(&doc.Rules, inputs, symbols, now)
	if err != nil {
		log.Warn().Err(err).Msg("Classification failed, retaining previous state")
		return err
	}

	e.mu.RLock()
	prevState := e.lastState
	prevEffective := e.lastEffective
	prevAllocation := e.lastAllocation
	prevBreaker := e.lastBreaker
	e.mu.RUnlock()

	// A stale default-market reading keeps the previous headline regime; with
	// no previous headline there is nothing safe to classify against.
	if state.HeadlineStale {
		if prevState == nil {
			return fmt.Errorf("%w: default market reading unavailable for headline regime", domain.ErrStaleData)
		}
		state.Regime = prevState.Regime
		state.ScoreBasis = prevState.ScoreBasis
		log.Warn().Msg("Default market reading stale, retaining previous headline regime")
	}

	resolved, err := e.resolver.Resolve(state, doc, prevEffective)
	if err != nil {
		log.Error().Err(err).Msg("Weight resolution rejected the cycle")
		return err
	}

	// The breaker is read once; trip/reset mid-cycle lands on the next cycle.
	tripped := e.breaker.Tripped()
	applied := resolved
	if tripped {
		applied, err = weights.Forced(doc)
		if err != nil {
			return err
		}
		log.Warn().Msg("Circuit breaker tripped, forcing defensive weights")
	}

	failed := make(map[string]bool, len(state.Failed))
	for symbol := range state.Failed {
		failed[symbol] = true
	}
	result := e.allocator.Allocate(applied, doc, failed)
	diff := allocation.ComputeDiff(prevAllocation, result)

	transition := e.isTransition(prevState, state, prevBreaker, tripped)

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cycle transaction: %w", err)
	}
	defer tx.Rollback()

	if transition {
		fromRegime := domain.RegimeNormal
		if prevState != nil {
			fromRegime = prevState.Regime
		}
		// The record carries the weights the allocation actually followed,
		// which is the forced row while the breaker is tripped.
		rec := history.NewTransitionRecord(cycleID, fromRegime, state.Regime,
			snapshot, prevEffective, applied, diff, trigger, now)
		if err := e.recorder.RecordTx(tx, rec); err != nil {
			return err
		}
	}

	// The resolver's would-be output is cached even while tripped, for
	// observability; the allocation reflects the applied weights.
	if err := saveStateTx(tx, &persistedState{
		RegimeState:    state,
		Effective:      resolved,
		Allocation:     result,
		BreakerTripped: tripped,
	}, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}

	e.mu.Lock()
	e.lastState = state
	e.lastEffective = resolved
	e.lastAllocation = result
	e.lastBreaker = tripped
	e.lastCycleAt = now
	e.mu.Unlock()

	log.Info().
		Str("regime", string(state.Regime)).
		Bool("transition", transition).
		Bool("breaker_tripped", tripped).
		Int("strategies", len(result.PerStrategyCapital)).
		Ints64("started", diff.Started).
		Ints64("stopped", diff.Stopped).
		Msg("Evaluation cycle complete")
	return nil
}

// collectInputs snapshots the indicator store once for the cycle.
func (e *Engine) collectInputs(rules *regimeconfig.Rules, now time.Time) (regime.Inputs, domain.IndicatorSnapshot) {
	global := e.readings.Snapshot(indicators.DefaultMarket, now, e.opts.FreshnessWindow)

	// Smoothing replaces the raw primary value when configured.
	if e.opts.SmoothingWindow > 1 {
		for ind := range global {
			if v, err := e.readings.SmoothedValue(ind, indicators.DefaultMarket, now,
				e.opts.FreshnessWindow, e.opts.SmoothingWindow); err == nil {
				global[ind] = v
			}
		}
	}

	inputs := regime.Inputs{Global: global}
	if len(rules.IndicatorPerMarket) > 0 {
		inputs.PerMarket = make(map[string]domain.IndicatorSnapshot)
		for market := range rules.IndicatorPerMarket {
			if market == "default" {
				continue
			}
			inputs.PerMarket[market] = e.readings.Snapshot(market, now, e.opts.FreshnessWindow)
		}
	}
	return inputs, global
}

// isTransition reports whether this cycle must write a history record: the
// regime changed in any scope, or the breaker changed state.
func (e *Engine) isTransition(prev, next *regime.State, prevBreaker, breakerNow bool) bool {
	if prevBreaker != breakerNow {
		return true
	}
	if prev == nil {
		// First cycle ever: record only when it lands away from normal.
		return next.Regime != domain.RegimeNormal || len(next.PerSymbol) > 0
	}
	return !prev.Equal(next)
}

// Summary is the operator-facing view of the engine.
type Summary struct {
	Regime        domain.Regime            `json:"regime"`
	PerSymbol     map[string]domain.Regime `json:"per_symbol,omitempty"`
	ScoreBasis    domain.ScoreBasis        `json:"score_basis"`
	ComputedAt    time.Time                `json:"computed_at"`
	Effective     *weights.Effective       `json:"effective_weights"`
	Allocation    allocation.Result        `json:"allocation"`
	Breaker       breaker.State            `json:"circuit_breaker"`
	LastError     string                   `json:"last_error,omitempty"`
	LastCycleAt   time.Time                `json:"last_cycle_at"`
}

// Summarize returns the last-known-good view plus live breaker state.
func (e *Engine) Summarize() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Summary{
		Effective:   e.lastEffective,
		Allocation:  e.lastAllocation,
		Breaker:     e.breaker.State(),
		LastError:   e.lastError,
		LastCycleAt: e.lastCycleAt,
	}
	if e.lastState != nil {
		s.Regime = e.lastState.Regime
		s.PerSymbol = e.lastState.PerSymbol
		s.ScoreBasis = e.lastState.ScoreBasis
		s.ComputedAt = e.lastState.ComputedAt
	}
	return s
}

// Allocation returns the last committed allocation result.
func (e *Engine) Allocation() allocation.Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastAllocation
}
