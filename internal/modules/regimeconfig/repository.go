package regimeconfig

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
)

// Repository persists the single configuration record. Reads return a deep
// copy so a cycle's snapshot cannot observe a concurrent write.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
	mu  sync.Mutex // serializes version check + write
}

// NewRepository creates a new config repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "regime_config").Logger(),
	}
}

// Get returns the current document, or the default document when none has
// been saved yet.
func (r *Repository) Get() (*Document, error) {
	var raw string
	var version int64
	var updatedAt string
	err := r.db.QueryRow(`
		SELECT document, version, updated_at FROM regime_config WHERE id = 1
	`).Scan(&raw, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return DefaultDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}
	doc.Version = version
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		doc.UpdatedAt = ts
	}
	return &doc, nil
}

// Put validates and commits a full-document replace. The caller's
// doc.Version must match the stored version; zero matches only a fresh
// install. Nothing is written when validation fails.
func (r *Repository) Put(doc *Document, now time.Time) (*Document, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Get()
	if err != nil {
		return nil, err
	}
	// A fresh install has no stored row; current.Version is 0 then.
	if doc.Version != current.Version {
		return nil, fmt.Errorf("%w: version %d does not match stored version %d",
			domain.ErrInvalidConfig, doc.Version, current.Version)
	}

	return r.putLocked(doc, current.Version, now)
}

// Import replaces the document regardless of the stored version. Used by the
// bulk-import operation; validation still applies in full. The mutex is held
// across the version read and the write so a concurrent Put cannot fail the
// import with a version mismatch.
func (r *Repository) Import(doc *Document, now time.Time) (*Document, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Get()
	if err != nil {
		return nil, err
	}
	return r.putLocked(doc, current.Version, now)
}

// putLocked commits the write; the caller holds mu and has already validated.
func (r *Repository) putLocked(doc *Document, storedVersion int64, now time.Time) (*Document, error) {
	doc.Version = storedVersion + 1
	doc.UpdatedAt = now.UTC()

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config document: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO regime_config (id, document, version, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			document = excluded.document,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, string(raw), doc.Version, doc.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	r.log.Info().Int64("version", doc.Version).Msg("Configuration saved")
	return doc, nil
}
