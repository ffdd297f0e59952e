package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/allocation"
	"github.com/aristath/regime-engine/internal/modules/weights"
)

// Record is one immutable regime-transition entry. Created once per accepted
// transition; never mutated or deleted.
type Record struct {
	ID            string                   `json:"id"`
	CycleID       string                   `json:"cycle_id"`
	FromRegime    domain.Regime            `json:"from_regime"`
	ToRegime      domain.Regime            `json:"to_regime"`
	Snapshot      domain.IndicatorSnapshot `json:"snapshot"`
	WeightsBefore *weights.Effective       `json:"weights_before"`
	WeightsAfter  *weights.Effective       `json:"weights_after"`
	Started       []int64                  `json:"started"`
	Stopped       []int64                  `json:"stopped"`
	WeightChanged []int64                  `json:"weight_changed"`
	TriggerSource domain.TriggerSource     `json:"trigger_source"`
	CreatedAt     time.Time                `json:"created_at"`
}

// Recorder appends transition records to the regime_history log. History is
// a change log, not a heartbeat: no-op cycles write nothing.
type Recorder struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRecorder creates a new history recorder
func NewRecorder(db *sql.DB, log zerolog.Logger) *Recorder {
	return &Recorder{
		db:  db,
		log: log.With().Str("component", "history").Logger(),
	}
}

// RecordTx appends one record inside the cycle's transaction, so a history
// entry is only durable together with the allocation it describes.
func (r *Recorder) RecordTx(tx *sql.Tx, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	before, err := json.Marshal(rec.WeightsBefore)
	if err != nil {
		return fmt.Errorf("failed to encode weights before: %w", err)
	}
	after, err := json.Marshal(rec.WeightsAfter)
	if err != nil {
		return fmt.Errorf("failed to encode weights after: %w", err)
	}
	started, _ := json.Marshal(emptyIfNil(rec.Started))
	stopped, _ := json.Marshal(emptyIfNil(rec.Stopped))
	changed, _ := json.Marshal(emptyIfNil(rec.WeightChanged))

	_, err = tx.Exec(`
		INSERT INTO regime_history
			(id, cycle_id, from_regime, to_regime, snapshot,
			 weights_before, weights_after, started, stopped, weight_changed,
			 trigger_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.CycleID, string(rec.FromRegime), string(rec.ToRegime), string(snapshot),
		string(before), string(after), string(started), string(stopped), string(changed),
		string(rec.TriggerSource), rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}

	r.log.Info().
		Str("from", string(rec.FromRegime)).
		Str("to", string(rec.ToRegime)).
		Str("trigger", string(rec.TriggerSource)).
		Msg("Regime transition recorded")
	return nil
}

// List returns records newest first.
func (r *Recorder) List(limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(`
		SELECT id, cycle_id, from_regime, to_regime, snapshot,
		       weights_before, weights_after, started, stopped, weight_changed,
		       trigger_source, created_at
		FROM regime_history
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var snapshot, before, after, started, stopped, changed, createdAt string
		err := rows.Scan(&rec.ID, &rec.CycleID, &rec.FromRegime, &rec.ToRegime, &snapshot,
			&before, &after, &started, &stopped, &changed, &rec.TriggerSource, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		_ = json.Unmarshal([]byte(snapshot), &rec.Snapshot)
		_ = json.Unmarshal([]byte(before), &rec.WeightsBefore)
		_ = json.Unmarshal([]byte(after), &rec.WeightsAfter)
		_ = json.Unmarshal([]byte(started), &rec.Started)
		_ = json.Unmarshal([]byte(stopped), &rec.Stopped)
		_ = json.Unmarshal([]byte(changed), &rec.WeightChanged)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = ts
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of history records.
func (r *Recorder) Count() (int64, error) {
	var n int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM regime_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// NewTransitionRecord builds a record for an accepted transition.
func NewTransitionRecord(
	cycleID string,
	from, to domain.Regime,
	snapshot domain.IndicatorSnapshot,
	weightsBefore, weightsAfter *weights.Effective,
	diff allocation.Diff,
	source domain.TriggerSource,
	now time.Time,
) *Record {
	return &Record{
		CycleID:       cycleID,
		FromRegime:    from,
		ToRegime:      to,
		Snapshot:      snapshot,
		WeightsBefore: weightsBefore,
		WeightsAfter:  weightsAfter,
		Started:       diff.Started,
		Stopped:       diff.Stopped,
		WeightChanged: diff.WeightChanged,
		TriggerSource: source,
		CreatedAt:     now,
	}
}

func emptyIfNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
