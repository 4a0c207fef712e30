// Package store is the durable Fingerprint Store: a SQLite database
// in WAL mode with a single writer connection, busy-retried with
// exponential backoff, keyed by absolute task name. Adapted from the
// teacher's internal/persistence/store.go (same WAL/pragma/busy-retry
// shape), repurposed around the fingerprint.Record model instead of
// agent task rows. The key prefixing ("task:<name>") follows the
// reference implementation's workspace/db.rs convention, carried over
// even though the original backing store was lmdb, not SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/cobble/internal/fingerprint"
	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS fingerprints (
	task_name  TEXT PRIMARY KEY,
	record     BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER NOT NULL
);
`

// Store is a concurrent-reader, single-writer Fingerprint Store.
type Store struct {
	writer *sql.DB // single connection, serializes all writes
	reader *sql.DB // pooled read-only connections
}

// DefaultDBPath returns the conventional fingerprint database path
// inside a workspace's .cobble/ state directory.
func DefaultDBPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, ".cobble", "fingerprints.db")
}

// Open opens (creating if necessary) the fingerprint database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", dsn(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening fingerprint store (writer): %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening fingerprint store (reader): %w", err)
	}

	if err := configurePragmas(writer); err != nil {
		writer.Close()
		reader.Close()
		return nil, err
	}
	if err := initSchema(writer); err != nil {
		writer.Close()
		reader.Close()
		return nil, err
	}

	return &Store{writer: writer, reader: reader}, nil
}

func dsn(path string, readOnly bool) string {
	params := "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	if readOnly {
		params += "&mode=ro"
	}
	return fmt.Sprintf("file:%s?%s", path, params)
}

func configurePragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting pragma (%s): %w", pragma, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("checking schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	}
	return nil
}

func taskKey(name string) string {
	return "task:" + name
}

// Get reads the stored record for taskName. The second return value
// is false (not an error) when no record exists.
func (s *Store) Get(ctx context.Context, taskName string) (*fingerprint.Record, bool, error) {
	var data []byte
	err := s.reader.QueryRowContext(ctx, "SELECT record FROM fingerprints WHERE task_name = ?", taskKey(taskName)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading fingerprint for %s: %w", taskName, err)
	}

	var rec fingerprint.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decoding fingerprint for %s: %w", taskName, err)
	}
	return &rec, true, nil
}

// Put writes a new record for taskName, replacing any prior one
// atomically: either the previous record or the new one is ever
// visible, never a torn value (SPEC_FULL §4.5).
func (s *Store) Put(ctx context.Context, taskName string, rec *fingerprint.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding fingerprint for %s: %w", taskName, err)
	}

	return retryOnBusy(ctx, func() error {
		_, err := s.writer.ExecContext(ctx,
			`INSERT INTO fingerprints (task_name, record, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(task_name) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
			taskKey(taskName), data, time.Now().Unix())
		return err
	})
}

// Close releases both connections.
func (s *Store) Close() error {
	err1 := s.writer.Close()
	err2 := s.reader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

const maxRetries = 5

// retryOnBusy retries op with exponential backoff and jitter when
// SQLite reports SQLITE_BUSY, matching the teacher's writer-contention
// handling for a single-writer database under concurrent task
// completions.
func retryOnBusy(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		lastErr = err

		backoff := time.Duration(1<<attempt) * 10 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return fmt.Errorf("fingerprint store write still busy after %d retries: %w", maxRetries, lastErr)
}

func isSQLiteBusy(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY"))
}
