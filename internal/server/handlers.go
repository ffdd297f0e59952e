package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/history"
	"github.com/aristath/regime-engine/internal/modules/indicators"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "regime-engine",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleSummary returns the full operator view of the engine.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Summarize())
}

// handleCurrent returns the current regime plus the raw indicator readings.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.Summarize()
	snapshot := s.readings.Snapshot(indicators.DefaultMarket, s.clock.Now(), s.cfg.FreshnessWindow)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"regime":      summary.Regime,
		"per_symbol":  summary.PerSymbol,
		"score_basis": summary.ScoreBasis,
		"computed_at": summary.ComputedAt,
		"indicators":  snapshot,
	})
}

// handleAllocation returns the last committed per-strategy capital targets.
func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Allocation())
}

// handleHistory returns transition records, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, err := s.recorder.List(limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list history")
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	total, err := s.recorder.Count()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to count history")
		s.writeError(w, http.StatusInternalServerError, "failed to count history")
		return
	}

	if records == nil {
		records = []history.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// handleGetConfig returns the current configuration document.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := s.configRepo.Get()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load config")
		s.writeError(w, http.StatusInternalServerError, "failed to load configuration")
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// handlePutConfig replaces the configuration document. The submitted version
// must match the stored one; the whole document is validated before anything
// is written.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var doc regimeconfig.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	saved, err := s.configRepo.Put(&doc, s.clock.Now())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

// handleImportConfig bulk-imports a document, ignoring the stored version.
func (s *Server) handleImportConfig(w http.ResponseWriter, r *http.Request) {
	var doc regimeconfig.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	saved, err := s.configRepo.Import(&doc, s.clock.Now())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

// verifyCodeRequest is the body for the sandbox dry-run endpoint. Inputs are
// optional; when absent the live indicator snapshot is used.
type verifyCodeRequest struct {
	Code   string             `json:"code"`
	Inputs map[string]float64 `json:"inputs,omitempty"`
}

// handleVerifyCode runs custom scoring code through the sandbox without
// committing anything.
func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	doc, err := s.configRepo.Get()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load configuration")
		return
	}

	snapshot := make(domain.IndicatorSnapshot)
	if len(req.Inputs) > 0 {
		for name, value := range req.Inputs {
			snapshot[domain.Indicator(name)] = value
		}
	} else {
		snapshot = s.readings.Snapshot(indicators.DefaultMarket, s.clock.Now(), s.cfg.FreshnessWindow)
	}

	result, err := s.sandbox.Verify(req.Code, snapshot, doc.Rules.CustomScoreThresholds)
	if err != nil {
		// Verification failures are the endpoint's payload, not a 5xx.
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"regime": result.Regime,
		"score":  result.Score,
		"inputs": snapshot,
	})
}

// handleBreakerState returns the circuit breaker state.
func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.breaker.State())
}

type tripRequest struct {
	Reason string `json:"reason"`
}

// handleBreakerTrip trips the circuit breaker. Idempotent.
func (s *Server) handleBreakerTrip(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := s.breaker.Trip(req.Reason, s.clock.Now()); err != nil {
		s.log.Error().Err(err).Msg("Failed to trip breaker")
		s.writeError(w, http.StatusInternalServerError, "failed to trip circuit breaker")
		return
	}
	s.writeJSON(w, http.StatusOK, s.breaker.State())
}

// handleBreakerReset manually re-arms the circuit breaker. This is the only
// path out of the tripped state.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if err := s.breaker.Reset(s.clock.Now()); err != nil {
		s.log.Error().Err(err).Msg("Failed to reset breaker")
		s.writeError(w, http.StatusInternalServerError, "failed to reset circuit breaker")
		return
	}
	s.writeJSON(w, http.StatusOK, s.breaker.State())
}

// handleEvaluate triggers an evaluation cycle immediately.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RunCycle(domain.TriggerManual)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Summarize())
}

// writeDomainError maps sentinel errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEvaluationBusy):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidConfig):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCustomCode):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrStaleData):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrMissingWeightMapping):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
