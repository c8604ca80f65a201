package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memory_records (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	memory_type   TEXT NOT NULL,
	importance    REAL NOT NULL,
	tags          TEXT NOT NULL DEFAULT '[]',
	context       TEXT NOT NULL DEFAULT '{}',
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_records_type ON memory_records(memory_type);
CREATE TABLE IF NOT EXISTS feedback_records (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_records_session ON feedback_records(session_id);
`

// SQLiteStore persists memory in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and creates) the database at cfg.Path.
func NewSQLiteStore(cfg config.SQLiteConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveLongTerm replaces the stored long-term tier with entries.
func (s *SQLiteStore) SaveLongTerm(ctx context.Context, entries []*models.MemoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE memory_type = ?`, string(models.MemoryLongTerm)); err != nil {
		return fmt.Errorf("failed to clear long-term memory: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO memory_records
		(id, content, memory_type, importance, tags, context, access_count, last_accessed, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	updated := formatTime(s.now())
	for _, e := range entries {
		rec, err := ToMemoryRecord(e)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, rec.ID, rec.Content, rec.MemoryType, rec.Importance, rec.Tags, rec.Context,
			rec.AccessCount, formatTime(rec.LastAccessed), formatTime(rec.Timestamp), updated)
		if err != nil {
			return fmt.Errorf("failed to save memory %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// LoadLongTerm returns the stored long-term tier, oldest first.
func (s *SQLiteStore) LoadLongTerm(ctx context.Context) ([]*models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, memory_type, importance, tags, context,
		access_count, last_accessed, timestamp FROM memory_records WHERE memory_type = ? ORDER BY timestamp ASC`,
		string(models.MemoryLongTerm))
	if err != nil {
		return nil, fmt.Errorf("failed to load long-term memory: %w", err)
	}
	defer rows.Close()

	var entries []*models.MemoryEntry
	for rows.Next() {
		var rec models.MemoryRecord
		var lastAccessed, timestamp string
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.MemoryType, &rec.Importance, &rec.Tags, &rec.Context,
			&rec.AccessCount, &lastAccessed, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		rec.LastAccessed = parseTime(lastAccessed)
		rec.Timestamp = parseTime(timestamp)

		e, err := FromMemoryRecord(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveFeedback stores one feedback record.
func (s *SQLiteStore) SaveFeedback(ctx context.Context, rec *models.FeedbackRecord) error {
	data := rec.Data
	if data == "" {
		data = "{}"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO feedback_records (id, session_id, type, content, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, rec.ID, rec.SessionID, rec.Type, rec.Content, data, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// FeedbackCount returns how many feedback records a session has.
func (s *SQLiteStore) FeedbackCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback_records WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
