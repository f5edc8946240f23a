// Package journal keeps an append-only SQLite timeline of chunk transitions
// per session. The session snapshot stays authoritative; the journal answers
// "what happened to this chunk" after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/fsutil"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"
)

// FileName is the journal database name inside the data directory.
const FileName = "journal.db"

const (
	defaultListLimit = 500
	timeLayout       = time.RFC3339Nano
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    chapter_id INTEGER NOT NULL,
    chunk_id INTEGER NOT NULL,
    worker TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, id);
`

// Error message format constants.
const (
	errFmtOpen   = "open journal %s: %w"
	errFmtPing   = "ping journal %s: %w"
	errFmtSchema = "create journal schema: %w"
	errFmtInsert = "record %s for session %s: %w"
	errFmtQuery  = "list journal for session %s: %w"
	errFmtScan   = "scan journal row: %w"
	errFmtDelete = "delete journal for session %s: %w"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal closed")

// Entry is one stored transition.
type Entry struct {
	ID        int64
	SessionID string
	ChapterID int
	ChunkID   int
	Worker    string
	Type      string
	Detail    string
	CreatedAt time.Time
}

// Store implements core.Journal on SQLite.
type Store struct {
	db    *sql.DB
	log   *logger.Logger
	clock func() time.Time
}

// Open creates or opens the journal at path.
func Open(ctx context.Context, path string, log *logger.Logger) (*Store, error) {
	err := fsutil.EnsureDir(filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf(errFmtOpen, path, err)
	}

	// One writer; the coordinator loop is the only caller that records.
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf(errFmtPing, path, err)
	}

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf(errFmtSchema, err)
	}

	return &Store{db: db, log: log, clock: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

// Record appends one transition.
func (s *Store) Record(ctx context.Context, entry core.JournalEntry) error {
	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, chapter_id, chunk_id, worker, event_type, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.ChapterID, entry.ChunkID, entry.Worker, entry.Type, entry.Detail,
		s.clock().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf(errFmtInsert, entry.Type, entry.SessionID, err)
	}

	return nil
}

// List returns up to limit entries for a session in insertion order. A
// non-positive limit uses the default.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, chapter_id, chunk_id, worker, event_type, detail, created_at
		 FROM transitions WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf(errFmtQuery, sessionID, err)
	}

	defer func() { _ = rows.Close() }()

	var entries []Entry

	for rows.Next() {
		var (
			entry   Entry
			created string
		)

		err = rows.Scan(&entry.ID, &entry.SessionID, &entry.ChapterID, &entry.ChunkID,
			&entry.Worker, &entry.Type, &entry.Detail, &created)
		if err != nil {
			return nil, fmt.Errorf(errFmtScan, err)
		}

		ts, parseErr := time.Parse(timeLayout, created)
		if parseErr != nil {
			s.log.Warn("Journal entry %d has unreadable timestamp %q", entry.ID, created)
		} else {
			entry.CreatedAt = ts
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf(errFmtQuery, sessionID, err)
	}

	return entries, nil
}

// Delete drops every entry of a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf(errFmtDelete, sessionID, err)
	}

	return nil
}
