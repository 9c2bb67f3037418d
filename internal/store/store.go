// Package store persists the last emitted value of every sensor so that
// restorable sensors (the cycle end-time) survive process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"appliancebridge/internal/sensor"
)

const (
	dirPermissions = 0750

	// busyTimeout is the maximum time to wait for a database lock.
	busyTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS sensor_values (
	said       TEXT NOT NULL,
	sensor     TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (said, sensor)
);
`

// Store wraps a SQLite database holding one row per (appliance, sensor)
// pair. It doubles as an Emitter so the façade's fan-out keeps it current.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the store at path, creating the directory and
// schema as needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// The store is written from one process; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying store connection: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Emit persists a reading, replacing any previous value for the same
// sensor identity. This makes the Store a drop-in member of the emit
// fan-out.
func (s *Store) Emit(ctx context.Context, r sensor.Reading) error {
	return s.Save(ctx, r.SAID, r.Sensor, r.Value, r.At)
}

// Save upserts the last value for one sensor.
func (s *Store) Save(ctx context.Context, said, sensorKey, value string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_values (said, sensor, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (said, sensor) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		said, sensorKey, value, at.UTC())
	if err != nil {
		return fmt.Errorf("saving %s/%s: %w", said, sensorKey, err)
	}
	return nil
}

// LoadLast returns the last persisted value for one sensor identity; ok is
// false when nothing has been persisted yet.
func (s *Store) LoadLast(ctx context.Context, said, sensorKey string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sensor_values WHERE said = ? AND sensor = ?`,
		said, sensorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading %s/%s: %w", said, sensorKey, err)
	}
	return value, true, nil
}
