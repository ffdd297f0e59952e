package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/regime-engine/internal/modules/allocation"
	"github.com/aristath/regime-engine/internal/modules/regime"
	"github.com/aristath/regime-engine/internal/modules/weights"
)

// persistedState is the last-known-good cycle output, cached so a restart
// resumes transition detection and keeps serving the previous allocation.
// Encoded with msgpack: this is a cache, not an audit surface.
type persistedState struct {
	RegimeState    *regime.State     `msgpack:"regime_state"`
	Effective      *weights.Effective `msgpack:"effective"`
	Allocation     allocation.Result `msgpack:"allocation"`
	BreakerTripped bool              `msgpack:"breaker_tripped"`
}

func loadState(db *sql.DB) (*persistedState, error) {
	var blob []byte
	err := db.QueryRow(`SELECT state FROM engine_state WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load engine state: %w", err)
	}

	var state persistedState
	if err := msgpack.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("failed to decode engine state: %w", err)
	}
	return &state, nil
}

func saveStateTx(tx *sql.Tx, state *persistedState, now time.Time) error {
	blob, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode engine state: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO engine_state (id, state, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, blob, now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save engine state: %w", err)
	}
	return nil
}
