// ABOUTME: SQLite implementation of the attempt index using modernc.org/sqlite
// ABOUTME: Opens the database with WAL mode and creates the schema automatically

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// AttemptStore persists handshake attempts in SQLite.
type AttemptStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAttemptStore opens (or creates) the attempt database at path.
// Parent directories are created if needed. Use ":memory:" for tests.
func NewAttemptStore(path string) (*AttemptStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &AttemptStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite attempt store initialized", "path", path)
	return s, nil
}

// Path returns the attempt database location under a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "navivox", "attempts.db")
}

// createSchema creates the database tables if they don't exist
func (s *AttemptStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS handshake_attempts (
			attempt_id TEXT PRIMARY KEY,
			ts         TEXT NOT NULL,
			remote     TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			pubkey     TEXT NOT NULL,
			status     TEXT NOT NULL,

			CHECK (status = 'ok' OR status LIKE 'deny:%')
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_ts ON handshake_attempts(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_attempts_device ON handshake_attempts(device_id, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_attempts_status ON handshake_attempts(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *AttemptStore) Close() error {
	return s.db.Close()
}
