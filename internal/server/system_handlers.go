package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/regime-engine/internal/database"
)

// SystemHandlers handles system-wide monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	db          *database.DB
	startupTime time.Time
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(log zerolog.Logger, db *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		db:          db,
		startupTime: time.Now(),
	}
}

// SystemStatusResponse represents the system status response
type SystemStatusResponse struct {
	Status       string  `json:"status"`
	UptimeHours  float64 `json:"uptime_hours"`
	CPUPercent   float64 `json:"cpu_percent"`
	RAMPercent   float64 `json:"ram_percent"`
	Goroutines   int     `json:"goroutines"`
	DatabaseMB   float64 `json:"database_mb"`
	DatabasePath string  `json:"database_path"`
}

// HandleSystemStatus returns host and process status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	cpuPercent, ramPercent := h.getSystemStats()

	dbSizeMB := 0.0
	if info, err := os.Stat(h.db.Path()); err == nil {
		dbSizeMB = float64(info.Size()) / 1024 / 1024
	}

	response := SystemStatusResponse{
		Status:       "running",
		UptimeHours:  time.Since(h.startupTime).Hours(),
		CPUPercent:   cpuPercent,
		RAMPercent:   ramPercent,
		Goroutines:   runtime.NumGoroutine(),
		DatabaseMB:   dbSizeMB,
		DatabasePath: h.db.Path(),
	}

	writeJSON(h.log, w, http.StatusOK, response)
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a 100ms sampling interval so the handler stays responsive.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
