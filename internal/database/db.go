package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Use WAL mode for better concurrency
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{
		conn: conn,
		path: dbPath,
	}, nil
}

// NewInMemory creates a private in-memory database (tests).
func NewInMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps the in-memory schema alive.
	conn.SetMaxOpenConns(1)
	return &DB{conn: conn, path: ":memory:"}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate creates the engine schema if it does not exist yet.
func (db *DB) Migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS macro_readings (
			indicator  TEXT    NOT NULL,
			market     TEXT    NOT NULL DEFAULT 'default',
			date_val   TEXT    NOT NULL,
			value      REAL    NOT NULL,
			created_at TEXT    NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (indicator, market, date_val)
		)`,
		`CREATE TABLE IF NOT EXISTS regime_config (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			document    TEXT    NOT NULL,
			version     INTEGER NOT NULL,
			updated_at  TEXT    NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			tripped    INTEGER NOT NULL,
			tripped_at TEXT,
			reason     TEXT,
			reset_by   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS regime_history (
			id              TEXT    PRIMARY KEY,
			cycle_id        TEXT    NOT NULL,
			from_regime     TEXT    NOT NULL,
			to_regime       TEXT    NOT NULL,
			snapshot        TEXT    NOT NULL,
			weights_before  TEXT    NOT NULL,
			weights_after   TEXT    NOT NULL,
			started         TEXT    NOT NULL,
			stopped         TEXT    NOT NULL,
			weight_changed  TEXT    NOT NULL,
			trigger_source  TEXT    NOT NULL,
			created_at      TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_regime_history_created
			ON regime_history (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS engine_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			state      BLOB    NOT NULL,
			updated_at TEXT    NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Begin starts a new transaction
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}
