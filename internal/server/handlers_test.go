package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/regime-engine/internal/config"
	"github.com/aristath/regime-engine/internal/database"
	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/engine"
	"github.com/aristath/regime-engine/internal/modules/allocation"
	"github.com/aristath/regime-engine/internal/modules/breaker"
	"github.com/aristath/regime-engine/internal/modules/history"
	"github.com/aristath/regime-engine/internal/modules/indicators"
	"github.com/aristath/regime-engine/internal/modules/regime"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
	"github.com/aristath/regime-engine/internal/modules/weights"
	"github.com/aristath/regime-engine/pkg/logger"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Pretty: false})

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	cfg := &config.Config{
		Port:            8001,
		FreshnessWindow: 72 * time.Hour,
		SandboxTimeout:  time.Second,
	}

	configRepo := regimeconfig.NewRepository(db.Conn(), log)
	readings := indicators.NewRepository(db.Conn(), log)
	sandbox := regime.NewSandbox(cfg.SandboxTimeout, log)
	recorder := history.NewRecorder(db.Conn(), log)

	brk, err := breaker.New(db.Conn(), log)
	require.NoError(t, err)

	eng, err := engine.New(db, configRepo, readings,
		regime.NewClassifier(sandbox, log), weights.NewResolver(log),
		allocation.NewAllocator(log), recorder, brk, domain.RealClock{},
		engine.Options{FreshnessWindow: cfg.FreshnessWindow}, log)
	require.NoError(t, err)

	return New(Config{
		Port:       cfg.Port,
		Log:        log,
		DB:         db,
		Config:     cfg,
		Engine:     eng,
		ConfigRepo: configRepo,
		Readings:   readings,
		Recorder:   recorder,
		Breaker:    brk,
		Sandbox:    sandbox,
		Clock:      domain.RealClock{},
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleGetConfigServesDefault(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/regime/config", nil)
	w := httptest.NewRecorder()
	s.handleGetConfig(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var doc regimeconfig.Document
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.True(t, doc.Enabled)
	assert.Equal(t, int64(0), doc.Version)
}

func TestHandlePutConfigRejectsInvalid(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest("PUT", "/api/regime/config", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	s.handlePutConfig(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Structurally valid JSON but an invalid document.
	bad := regimeconfig.DefaultDocument()
	bad.MaxAllocationRatio = -1
	payload, err := json.Marshal(bad)
	require.NoError(t, err)

	req = httptest.NewRequest("PUT", "/api/regime/config", bytes.NewBuffer(payload))
	w = httptest.NewRecorder()
	s.handlePutConfig(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePutConfigRoundTrip(t *testing.T) {
	s := setupTestServer(t)

	doc := regimeconfig.DefaultDocument()
	doc.SymbolStrategies = domain.SymbolStrategies{
		"AAPL": {domain.StyleConservative: {1}},
	}
	payload, err := json.Marshal(doc)
	require.NoError(t, err)

	req := httptest.NewRequest("PUT", "/api/regime/config", bytes.NewBuffer(payload))
	w := httptest.NewRecorder()
	s.handlePutConfig(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var saved regimeconfig.Document
	require.NoError(t, json.NewDecoder(w.Body).Decode(&saved))
	assert.Equal(t, int64(1), saved.Version)

	// Replaying the same version is now a conflict.
	req = httptest.NewRequest("PUT", "/api/regime/config", bytes.NewBuffer(payload))
	w = httptest.NewRecorder()
	s.handlePutConfig(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBreakerTripAndReset(t *testing.T) {
	s := setupTestServer(t)

	// Reason is mandatory.
	req := httptest.NewRequest("POST", "/api/regime/circuit-breaker/trip", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	s.handleBreakerTrip(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest("POST", "/api/regime/circuit-breaker/trip",
		bytes.NewBufferString(`{"reason":"volatility event"}`))
	w = httptest.NewRecorder()
	s.handleBreakerTrip(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var state breaker.State
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.True(t, state.Tripped)
	assert.Equal(t, "volatility event", state.Reason)

	req = httptest.NewRequest("POST", "/api/regime/circuit-breaker/reset", nil)
	w = httptest.NewRecorder()
	s.handleBreakerReset(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.False(t, state.Tripped)
}

func TestHandleVerifyCode(t *testing.T) {
	s := setupTestServer(t)

	payload := `{"code":"vix >= 30 ? \"panic\" : \"normal\"","inputs":{"vix":35}}`
	req := httptest.NewRequest("POST", "/api/regime/verify-code", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.handleVerifyCode(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "panic", body["regime"])

	// Broken code reports the failure instead of a server error.
	req = httptest.NewRequest("POST", "/api/regime/verify-code",
		bytes.NewBufferString(`{"code":"vix +"}`))
	w = httptest.NewRecorder()
	s.handleVerifyCode(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleHistoryEmpty(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/regime/history?limit=10", nil)
	w := httptest.NewRecorder()
	s.handleHistory(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Records []history.Record `json:"records"`
		Total   int64            `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Empty(t, body.Records)
	assert.Equal(t, int64(0), body.Total)
}

func TestHandleEvaluateRunsCycle(t *testing.T) {
	s := setupTestServer(t)

	doc := regimeconfig.DefaultDocument()
	doc.SymbolStrategies = domain.SymbolStrategies{
		"AAPL": {domain.StyleConservative: {1, 2}, domain.StyleAggressive: {3}},
	}
	doc.SymbolCapitalPool = map[string]float64{"AAPL": 10000}
	_, err := s.configRepo.Put(doc, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.readings.Upsert(indicators.Reading{
		Indicator: domain.IndicatorVIX,
		Market:    indicators.DefaultMarket,
		Date:      time.Now().AddDate(0, 0, -1),
		Value:     32,
	}))

	req := httptest.NewRequest("POST", "/api/regime/evaluate", nil)
	w := httptest.NewRecorder()
	s.handleEvaluate(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var summary engine.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&summary))
	assert.Equal(t, domain.RegimePanic, summary.Regime)
	assert.InDelta(t, 4000, summary.Allocation.PerStrategyCapital[1], 1e-9)
	assert.True(t, summary.Allocation.Frozen(3))
}

func TestDomainErrorStatusMapping(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"busy evaluation conflicts", domain.ErrEvaluationBusy, http.StatusConflict},
		{"invalid config is bad request", domain.ErrInvalidConfig, http.StatusBadRequest},
		{"custom code is unprocessable", domain.ErrCustomCode, http.StatusUnprocessableEntity},
		{"stale data is service unavailable", domain.ErrStaleData, http.StatusServiceUnavailable},
		{"missing mapping is unprocessable", domain.ErrMissingWeightMapping, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.writeDomainError(w, tt.err)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestHandleCurrentIncludesIndicators(t *testing.T) {
	s := setupTestServer(t)

	require.NoError(t, s.readings.Upsert(indicators.Reading{
		Indicator: domain.IndicatorVIX,
		Market:    indicators.DefaultMarket,
		Date:      time.Now().AddDate(0, 0, -1),
		Value:     22,
	}))

	req := httptest.NewRequest("GET", "/api/regime/current", nil)
	w := httptest.NewRecorder()
	s.handleCurrent(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	indicatorsOut, ok := body["indicators"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 22.0, indicatorsOut["vix"])
}
