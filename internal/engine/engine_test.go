package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/aristath/regime-engine/internal/database"
	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/allocation"
	"github.com/aristath/regime-engine/internal/modules/breaker"
	"github.com/aristath/regime-engine/internal/modules/history"
	"github.com/aristath/regime-engine/internal/modules/indicators"
	"github.com/aristath/regime-engine/internal/modules/regime"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
	"github.com/aristath/regime-engine/internal/modules/weights"
	"github.com/aristath/regime-engine/pkg/logger"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type testHarness struct {
	engine   *Engine
	db       *database.DB
	readings *indicators.Repository
	config   *regimeconfig.Repository
	recorder *history.Recorder
	breaker  *breaker.Breaker
	clock    *fakeClock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Pretty: false})

	db, err := database.NewInMemory()
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}

	configRepo := regimeconfig.NewRepository(db.Conn(), log)
	readings := indicators.NewRepository(db.Conn(), log)
	sandbox := regime.NewSandbox(time.Second, log)
	classifier := regime.NewClassifier(sandbox, log)
	resolver := weights.NewResolver(log)
	allocator := allocation.NewAllocator(log)
	recorder := history.NewRecorder(db.Conn(), log)

	brk, err := breaker.New(db.Conn(), log)
	if err != nil {
		t.Fatalf("Failed to create breaker: %v", err)
	}

	eng, err := New(db, configRepo, readings, classifier, resolver, allocator,
		recorder, brk, clock, Options{FreshnessWindow: 72 * time.Hour}, log)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	return &testHarness{
		engine:   eng,
		db:       db,
		readings: readings,
		config:   configRepo,
		recorder: recorder,
		breaker:  brk,
		clock:    clock,
	}
}

func (h *testHarness) saveConfig(t *testing.T, mutate func(*regimeconfig.Document)) {
	t.Helper()
	doc, err := h.config.Get()
	if err != nil {
		t.Fatalf("Get config failed: %v", err)
	}
	mutate(doc)
	if _, err := h.config.Put(doc, h.clock.now); err != nil {
		t.Fatalf("Put config failed: %v", err)
	}
}

func (h *testHarness) seedReading(t *testing.T, indicator domain.Indicator, market string, value float64) {
	t.Helper()
	err := h.readings.Upsert(indicators.Reading{
		Indicator: indicator,
		Market:    market,
		Date:      h.clock.now.AddDate(0, 0, -1),
		Value:     value,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}

func (h *testHarness) seedVIX(t *testing.T, value float64) {
	t.Helper()
	h.seedReading(t, domain.IndicatorVIX, indicators.DefaultMarket, value)
}

func (h *testHarness) historyCount(t *testing.T) int64 {
	t.Helper()
	n, err := h.recorder.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func standardBindings(doc *regimeconfig.Document) {
	doc.SymbolStrategies = domain.SymbolStrategies{
		"AAPL": {
			domain.StyleConservative: {1, 2},
			domain.StyleAggressive:   {3},
		},
	}
	doc.SymbolCapitalPool = map[string]float64{"AAPL": 10000}
}

func TestCycleNormalRegime(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, standardBindings)
	h.seedVIX(t, 20)

	if err := h.engine.RunCycle(domain.TriggerManual); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	summary := h.engine.Summarize()
	if summary.Regime != domain.RegimeNormal {
		t.Errorf("Expected normal, got %s", summary.Regime)
	}

	// First cycle landing on normal is not a transition.
	if n := h.historyCount(t); n != 0 {
		t.Errorf("Expected no history record, got %d", n)
	}

	// Normal weights {0.2, 0.6, 0.2}: conservative bucket 2000 split two ways,
	// aggressive bucket 2000 to one strategy. The balanced bucket is unbound.
	alloc := h.engine.Allocation()
	if got := alloc.PerStrategyCapital[1]; math.Abs(got-1000) > 1e-9 {
		t.Errorf("Expected 1000 for strategy 1, got %.2f", got)
	}
	if got := alloc.PerStrategyCapital[3]; math.Abs(got-2000) > 1e-9 {
		t.Errorf("Expected 2000 for strategy 3, got %.2f", got)
	}
}

func TestCycleTransitionToPanic(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, standardBindings)
	h.seedVIX(t, 20)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	h.seedVIX(t, 32)
	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	summary := h.engine.Summarize()
	if summary.Regime != domain.RegimePanic {
		t.Errorf("Expected panic, got %s", summary.Regime)
	}

	// Panic weights {0.8, 0.2, 0.0}: conservative 8000 split two ways, the
	// aggressive strategy stops and is frozen.
	alloc := h.engine.Allocation()
	if got := alloc.PerStrategyCapital[1]; math.Abs(got-4000) > 1e-9 {
		t.Errorf("Expected 4000 for strategy 1, got %.2f", got)
	}
	if got := alloc.PerStrategyCapital[2]; math.Abs(got-4000) > 1e-9 {
		t.Errorf("Expected 4000 for strategy 2, got %.2f", got)
	}
	if got := alloc.PerStrategyCapital[3]; got != 0 {
		t.Errorf("Expected 0 for strategy 3, got %.2f", got)
	}
	if !alloc.Frozen(3) {
		t.Error("Expected strategy 3 frozen")
	}

	if n := h.historyCount(t); n != 1 {
		t.Fatalf("Expected 1 history record, got %d", n)
	}
	records, err := h.recorder.List(10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	rec := records[0]
	if rec.FromRegime != domain.RegimeNormal || rec.ToRegime != domain.RegimePanic {
		t.Errorf("Expected normal→panic, got %s→%s", rec.FromRegime, rec.ToRegime)
	}
	if len(rec.Stopped) != 1 || rec.Stopped[0] != 3 {
		t.Errorf("Expected stopped [3], got %v", rec.Stopped)
	}
	if rec.Snapshot[domain.IndicatorVIX] != 32 {
		t.Errorf("Expected snapshot vix 32, got %.1f", rec.Snapshot[domain.IndicatorVIX])
	}
}

func TestCycleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, standardBindings)
	h.seedVIX(t, 32)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	first := h.historyCount(t)
	firstAlloc := h.engine.Allocation()

	// Same inputs again: no new record, identical allocation.
	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if n := h.historyCount(t); n != first {
		t.Errorf("Expected history unchanged (%d), got %d", first, n)
	}
	for id, capital := range firstAlloc.PerStrategyCapital {
		if h.engine.Allocation().PerStrategyCapital[id] != capital {
			t.Errorf("Strategy %d allocation changed between identical cycles", id)
		}
	}
}

func TestCycleStaleDataRetainsPreviousState(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, standardBindings)
	h.seedVIX(t, 32)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	recordsBefore := h.historyCount(t)

	// Advance past the freshness window: the reading goes stale.
	h.clock.now = h.clock.now.Add(10 * 24 * time.Hour)

	err := h.engine.RunCycle(domain.TriggerAuto)
	if !errors.Is(err, domain.ErrStaleData) {
		t.Fatalf("Expected ErrStaleData, got %v", err)
	}

	// Previous durable state stays authoritative; nothing was written.
	summary := h.engine.Summarize()
	if summary.Regime != domain.RegimePanic {
		t.Errorf("Expected previous panic regime retained, got %s", summary.Regime)
	}
	if summary.LastError == "" {
		t.Error("Expected last error surfaced")
	}
	if n := h.historyCount(t); n != recordsBefore {
		t.Errorf("Expected no new history record, got %d", n-recordsBefore)
	}
}

func multiMarketBindings(doc *regimeconfig.Document) {
	doc.SymbolStrategies = domain.SymbolStrategies{
		"0700": {
			domain.StyleConservative: {1, 2},
			domain.StyleAggressive:   {3},
		},
	}
	doc.SymbolCapitalPool = map[string]float64{"0700": 10000}
	doc.Rules.PrimaryIndicator = domain.PrimaryAuto
	doc.Rules.IndicatorPerMarket = map[string]domain.Indicator{
		"default": domain.IndicatorVIX,
		"HShare":  domain.IndicatorVHSI,
	}
	doc.Rules.SymbolMarkets = map[string]string{"0700": "HShare"}
}

func TestCycleRetainsHeadlineWhenDefaultMarketStale(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, multiMarketBindings)
	h.seedVIX(t, 32)
	h.seedReading(t, domain.IndicatorVHSI, "HShare", 32)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if got := h.engine.Summarize().Regime; got != domain.RegimePanic {
		t.Fatalf("Expected panic headline, got %s", got)
	}
	recordsBefore := h.historyCount(t)

	// VHSI stays fresh but the default market's VIX goes stale. The symbol
	// still classifies; the headline keeps its previous value instead of
	// snapping to normal and faking a transition.
	h.clock.now = h.clock.now.Add(10 * 24 * time.Hour)
	h.seedReading(t, domain.IndicatorVHSI, "HShare", 32)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	summary := h.engine.Summarize()
	if summary.Regime != domain.RegimePanic {
		t.Errorf("Expected previous panic headline retained, got %s", summary.Regime)
	}
	if summary.PerSymbol["0700"] != domain.RegimePanic {
		t.Errorf("Expected 0700 panic, got %s", summary.PerSymbol["0700"])
	}
	if n := h.historyCount(t); n != recordsBefore {
		t.Errorf("Expected no spurious transition record, got %d new", n-recordsBefore)
	}
}

func TestCycleHeadlineStaleWithoutHistoryFails(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, multiMarketBindings)
	h.seedReading(t, domain.IndicatorVHSI, "HShare", 32)

	// First cycle ever with no default-market reading: there is no previous
	// headline to retain, so the cycle fails stale rather than guess.
	err := h.engine.RunCycle(domain.TriggerAuto)
	if !errors.Is(err, domain.ErrStaleData) {
		t.Fatalf("Expected ErrStaleData, got %v", err)
	}
	if got := h.engine.Summarize().Regime; got != "" {
		t.Errorf("Expected no regime committed, got %s", got)
	}
	if n := h.historyCount(t); n != 0 {
		t.Errorf("Expected no history records, got %d", n)
	}
}

func TestRunCycleRejectsConcurrentCycle(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, standardBindings)
	h.seedVIX(t, 20)

	// Hold the cycle lock as an in-flight cycle would.
	h.engine.runMu.Lock()
	err := h.engine.RunCycle(domain.TriggerManual)
	h.engine.runMu.Unlock()
	if !errors.Is(err, domain.ErrEvaluationBusy) {
		t.Fatalf("Expected ErrEvaluationBusy, got %v", err)
	}

	// Once the in-flight cycle releases, evaluation proceeds normally.
	if err := h.engine.RunCycle(domain.TriggerManual); err != nil {
		t.Fatalf("RunCycle after release failed: %v", err)
	}
}

func TestCycleBreakerForcesDefensiveWeights(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, standardBindings)
	h.seedVIX(t, 20)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if err := h.breaker.Trip("kill switch", h.clock.now); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	// Regime is still normal, but allocation follows the panic row.
	alloc := h.engine.Allocation()
	if got := alloc.PerStrategyCapital[1]; math.Abs(got-4000) > 1e-9 {
		t.Errorf("Expected forced 4000 for strategy 1, got %.2f", got)
	}
	if got := alloc.PerStrategyCapital[3]; got != 0 {
		t.Errorf("Expected 0 for strategy 3 while tripped, got %.2f", got)
	}

	// The breaker change itself is a transition, and the record carries the
	// forced weights the allocation actually followed.
	if n := h.historyCount(t); n != 1 {
		t.Errorf("Expected 1 history record for breaker change, got %d", n)
	}
	records, err := h.recorder.List(10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !records[0].WeightsAfter.Forced {
		t.Error("Expected recorded weights marked forced")
	}
	if got := records[0].WeightsAfter.Global.Conservative; got != 0.8 {
		t.Errorf("Expected recorded conservative weight 0.8 (panic row), got %.2f", got)
	}
	if got := records[0].WeightsAfter.Global.Aggressive; got != 0 {
		t.Errorf("Expected recorded aggressive weight 0 (panic row), got %.2f", got)
	}

	// Manual reset is the only way back; the next cycle resumes regime-driven
	// allocation and records the change.
	if err := h.breaker.Reset(h.clock.now); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	alloc = h.engine.Allocation()
	if got := alloc.PerStrategyCapital[3]; math.Abs(got-2000) > 1e-9 {
		t.Errorf("Expected 2000 for strategy 3 after reset, got %.2f", got)
	}
	if n := h.historyCount(t); n != 2 {
		t.Errorf("Expected 2 history records, got %d", n)
	}
}

func TestCycleSkipsWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, func(doc *regimeconfig.Document) {
		standardBindings(doc)
		doc.Enabled = false
	})
	h.seedVIX(t, 32)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if h.engine.Summarize().Regime != "" {
		t.Error("Expected no regime computed while disabled")
	}
}

func TestCycleSkipsWithoutBindings(t *testing.T) {
	h := newHarness(t)
	h.seedVIX(t, 32)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if n := h.historyCount(t); n != 0 {
		t.Errorf("Expected no history records, got %d", n)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(t, standardBindings)
	h.seedVIX(t, 32)

	if err := h.engine.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	// A second engine over the same database restores the committed view and
	// does not re-record the transition.
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	sandbox := regime.NewSandbox(time.Second, log)
	brk, err := breaker.New(h.db.Conn(), log)
	if err != nil {
		t.Fatalf("Failed to create breaker: %v", err)
	}
	restored, err := New(h.db, h.config, h.readings,
		regime.NewClassifier(sandbox, log), weights.NewResolver(log),
		allocation.NewAllocator(log), h.recorder, brk, h.clock,
		Options{FreshnessWindow: 72 * time.Hour}, log)
	if err != nil {
		t.Fatalf("Failed to restore engine: %v", err)
	}

	if got := restored.Allocation().PerStrategyCapital[1]; math.Abs(got-4000) > 1e-9 {
		t.Errorf("Expected restored allocation 4000, got %.2f", got)
	}

	if err := restored.RunCycle(domain.TriggerAuto); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if n := h.historyCount(t); n != 1 {
		t.Errorf("Expected transition recorded once, got %d", n)
	}
}
