package indicators

import (
	"time"

	"github.com/aristath/regime-engine/internal/domain"
)

// Reading is one persisted indicator observation. Rows are immutable once
// written; the classifier only ever consumes the latest row per
// (indicator, market).
type Reading struct {
	Indicator domain.Indicator `json:"indicator"`
	Market    string           `json:"market"`
	Date      time.Time        `json:"date"`
	Value     float64          `json:"value"`
}

// DefaultMarket is the market key used for global indicator series.
const DefaultMarket = "default"

// IsStale reports whether the reading is older than the freshness window.
func (r Reading) IsStale(now time.Time, window time.Duration) bool {
	return now.Sub(r.Date) > window
}
