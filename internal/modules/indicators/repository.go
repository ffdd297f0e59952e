package indicators

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/pkg/formulas"
)

const dateLayout = "2006-01-02"

// Repository reads and writes the macro_readings table. The engine only
// reads; an external provider (or the seed endpoint) writes.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new indicator repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "indicators").Logger(),
	}
}

// GetLatest returns the most recent reading for (indicator, market).
// Returns sql.ErrNoRows when no reading exists.
func (r *Repository) GetLatest(indicator domain.Indicator, market string) (Reading, error) {
	if market == "" {
		market = DefaultMarket
	}

	var reading Reading
	var dateStr string
	err := r.db.QueryRow(`
		SELECT indicator, market, date_val, value
		FROM macro_readings
		WHERE indicator = ? AND market = ?
		ORDER BY date_val DESC
		LIMIT 1
	`, string(indicator), market).Scan(&reading.Indicator, &reading.Market, &dateStr, &reading.Value)
	if err != nil {
		return Reading{}, err
	}

	reading.Date, err = time.Parse(dateLayout, dateStr)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to parse reading date %q: %w", dateStr, err)
	}
	return reading, nil
}

// GetLatestFresh returns the latest reading and enforces the freshness
// window. Missing and stale readings both map to domain.ErrStaleData.
func (r *Repository) GetLatestFresh(indicator domain.Indicator, market string, now time.Time, window time.Duration) (Reading, error) {
	reading, err := r.GetLatest(indicator, market)
	if err == sql.ErrNoRows {
		return Reading{}, fmt.Errorf("%w: no reading for %s/%s", domain.ErrStaleData, indicator, market)
	}
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read %s/%s: %w", indicator, market, err)
	}
	if reading.IsStale(now, window) {
		return Reading{}, fmt.Errorf("%w: %s/%s last seen %s", domain.ErrStaleData,
			indicator, market, reading.Date.Format(dateLayout))
	}
	return reading, nil
}

// SmoothedValue returns the latest fresh value de-noised by an SMA over the
// most recent window readings. A window of 0 or 1 returns the raw value.
func (r *Repository) SmoothedValue(indicator domain.Indicator, market string, now time.Time, freshness time.Duration, window int) (float64, error) {
	latest, err := r.GetLatestFresh(indicator, market, now, freshness)
	if err != nil {
		return 0, err
	}
	if window <= 1 {
		return latest.Value, nil
	}

	series, err := r.recentValues(indicator, market, window)
	if err != nil {
		r.log.Warn().Err(err).Str("indicator", string(indicator)).
			Msg("Smoothing history unavailable, using raw value")
		return latest.Value, nil
	}
	return formulas.Smoothed(series, window), nil
}

// recentValues returns up to n values in ascending date order.
func (r *Repository) recentValues(indicator domain.Indicator, market string, n int) ([]float64, error) {
	if market == "" {
		market = DefaultMarket
	}

	rows, err := r.db.Query(`
		SELECT value FROM (
			SELECT date_val, value
			FROM macro_readings
			WHERE indicator = ? AND market = ?
			ORDER BY date_val DESC
			LIMIT ?
		) ORDER BY date_val ASC
	`, string(indicator), market, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query reading history: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan reading value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Upsert writes a reading, replacing any existing row for the same
// (indicator, market, date). Provider-facing; the engine never calls this.
func (r *Repository) Upsert(reading Reading) error {
	market := reading.Market
	if market == "" {
		market = DefaultMarket
	}
	_, err := r.db.Exec(`
		INSERT INTO macro_readings (indicator, market, date_val, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (indicator, market, date_val) DO UPDATE SET value = excluded.value
	`, string(reading.Indicator), market, reading.Date.Format(dateLayout), reading.Value)
	if err != nil {
		return fmt.Errorf("failed to upsert reading: %w", err)
	}
	return nil
}

// Snapshot collects the latest fresh value of every known indicator for the
// given market, falling back to the default market series. Indicators with
// no fresh reading are simply absent from the result.
func (r *Repository) Snapshot(market string, now time.Time, window time.Duration) domain.IndicatorSnapshot {
	snapshot := make(domain.IndicatorSnapshot)
	for _, ind := range []domain.Indicator{
		domain.IndicatorVIX,
		domain.IndicatorVHSI,
		domain.IndicatorDXY,
		domain.IndicatorFearGreed,
	} {
		reading, err := r.GetLatestFresh(ind, market, now, window)
		if err != nil && market != DefaultMarket {
			reading, err = r.GetLatestFresh(ind, DefaultMarket, now, window)
		}
		if err != nil {
			continue
		}
		snapshot[ind] = reading.Value
	}
	return snapshot
}
