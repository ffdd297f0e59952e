package breaker

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ResetBy records who re-armed the breaker.
type ResetBy string

const (
	ResetManual ResetBy = "manual"
)

// State is the persisted breaker state. Survives process restarts.
type State struct {
	Tripped   bool       `json:"tripped"`
	TrippedAt *time.Time `json:"tripped_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ResetBy   ResetBy    `json:"reset_by,omitempty"`
}

// Breaker is the safety interlock. Two states: armed and tripped. Tripping
// forces the allocator onto the most defensive weights; only an explicit
// manual reset re-arms it — automatic regime recovery never does.
//
// Trip and Reset may be called at any time, including mid-cycle; the engine
// reads the state once per cycle under the same lock, so a cycle sees either
// the pre-trip or the post-trip state, never a partial view.
type Breaker struct {
	mu    sync.Mutex
	state State
	db    *sql.DB
	log   zerolog.Logger
}

// New loads breaker state from the database, starting armed when no row
// exists yet.
func New(db *sql.DB, log zerolog.Logger) (*Breaker, error) {
	b := &Breaker{
		db:  db,
		log: log.With().Str("component", "circuit_breaker").Logger(),
	}

	var tripped int
	var trippedAt, reason, resetBy sql.NullString
	err := db.QueryRow(`
		SELECT tripped, tripped_at, reason, reset_by FROM circuit_breaker WHERE id = 1
	`).Scan(&tripped, &trippedAt, &reason, &resetBy)
	switch err {
	case nil:
		b.state.Tripped = tripped != 0
		b.state.Reason = reason.String
		b.state.ResetBy = ResetBy(resetBy.String)
		if trippedAt.Valid {
			if ts, perr := time.Parse(time.RFC3339, trippedAt.String); perr == nil {
				b.state.TrippedAt = &ts
			}
		}
	case sql.ErrNoRows:
		// fresh install, armed
	default:
		return nil, fmt.Errorf("failed to load breaker state: %w", err)
	}

	if b.state.Tripped {
		b.log.Warn().Str("reason", b.state.Reason).Msg("Circuit breaker restored in tripped state")
	}
	return b, nil
}

// Trip moves armed → tripped. Always succeeds; tripping an already-tripped
// breaker updates nothing. Trip is a first-class safety state, not an error.
func (b *Breaker) Trip(reason string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Tripped {
		b.log.Info().Str("reason", reason).Msg("Trip requested while already tripped")
		return nil
	}

	ts := now.UTC()
	b.state = State{Tripped: true, TrippedAt: &ts, Reason: reason}
	if err := b.persistLocked(); err != nil {
		return err
	}

	b.log.Warn().Str("reason", reason).Msg("Circuit breaker TRIPPED")
	return nil
}

// Reset moves tripped → armed. Manual only: a human must acknowledge the
// root cause cleared before regime-driven allocation resumes.
func (b *Breaker) Reset(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.Tripped {
		return nil
	}

	b.state = State{Tripped: false, ResetBy: ResetManual}
	if err := b.persistLocked(); err != nil {
		return err
	}

	b.log.Info().Msg("Circuit breaker manually reset")
	return nil
}

// State returns a snapshot of the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tripped reports whether the breaker is currently tripped.
func (b *Breaker) Tripped() bool {
	return b.State().Tripped
}

func (b *Breaker) persistLocked() error {
	var trippedAt interface{}
	if b.state.TrippedAt != nil {
		trippedAt = b.state.TrippedAt.Format(time.RFC3339)
	}
	tripped := 0
	if b.state.Tripped {
		tripped = 1
	}
	_, err := b.db.Exec(`
		INSERT INTO circuit_breaker (id, tripped, tripped_at, reason, reset_by)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tripped = excluded.tripped,
			tripped_at = excluded.tripped_at,
			reason = excluded.reason,
			reset_by = excluded.reset_by
	`, tripped, trippedAt, b.state.Reason, string(b.state.ResetBy))
	if err != nil {
		return fmt.Errorf("failed to persist breaker state: %w", err)
	}
	return nil
}
