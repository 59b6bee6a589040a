// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal keeps an audit log of handled commands in SQLite. It
// never stores hashes, signatures or certificate bodies.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotandev/tokensign/internal/logger"
)

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1

	// DefaultTTL is how long entries are kept (90 days)
	DefaultTTL = 90 * 24 * time.Hour

	// DefaultMaxEntries is the maximum number of entries to keep
	DefaultMaxEntries = 10000
)

// Entry is one handled command.
type Entry struct {
	ID         int64
	SessionID  uint64
	Type       string
	Result     string
	Thumbprint string
	HashType   string
	CreatedAt  time.Time
}

// Store manages the journal database
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Set file permissions to 600 (read/write for owner only)
	if err := os.Chmod(path, 0o600); err != nil {
		logger.Logger.Warn("Failed to set journal permissions", "error", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		result TEXT NOT NULL,
		thumbprint TEXT NOT NULL DEFAULT '',
		hash_type TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		schema_version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record appends e. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Type == "" {
		return fmt.Errorf("entry type is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO entries (session_id, type, result, thumbprint, hash_type, created_at, schema_version)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(e.SessionID), e.Type, e.Result, e.Thumbprint, e.HashType, e.CreatedAt.UnixMilli(), SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	logger.Logger.Debug("Journal entry recorded", "session", e.SessionID, "type", e.Type, "result", e.Result)
	return nil
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, session_id, type, result, thumbprint, hash_type, created_at
	FROM entries
	ORDER BY created_at DESC, id DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			session int64
			created int64
		)
		if err := rows.Scan(&e.ID, &session, &e.Type, &e.Result, &e.Thumbprint, &e.HashType, &created); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.SessionID = uint64(session)
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// Cleanup removes entries older than ttl and keeps at most maxEntries.
// Zero disables either limit.
func (s *Store) Cleanup(ctx context.Context, ttl time.Duration, maxEntries int) error {
	if ttl > 0 {
		cutoff := time.Now().Add(-ttl).UnixMilli()
		result, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete expired entries: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			logger.Logger.Debug("Cleaned up expired journal entries", "count", n)
		}
	}

	if maxEntries > 0 {
		result, err := s.db.ExecContext(ctx, `
		DELETE FROM entries
		WHERE id NOT IN (
			SELECT id FROM entries
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`, maxEntries)
		if err != nil {
			return fmt.Errorf("failed to delete excess entries: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			logger.Logger.Debug("Cleaned up excess journal entries", "count", n)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
