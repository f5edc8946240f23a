package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/fsutil"
)

const (
	sessionsDir  = "sessions"
	fragmentsDir = "fragments"
	archiveDir   = "archive"
	snapshotExt  = ".json"
	fragmentExt  = ".wav"
)

const (
	errFmtMarshal  = "failed to marshal session %s: %w"
	errFmtSave     = "failed to save session %s: %w"
	errFmtRead     = "%w: read %s: %w"
	errFmtDecode   = "%w: decode %s: %w"
	errFmtValidate = "%w: %s: %w"
	errFmtArchive  = "failed to archive session %s: %w"
	errFmtDiscard  = "failed to discard session %s: %w"
)

var (
	// ErrSessionNotFound is returned when no snapshot exists for a session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCorruption is returned when a snapshot exists but cannot be
	// decoded or violates the session structure.
	ErrSessionCorruption = errors.New("session snapshot corrupted")
)

// Summary is a light view of a stored session for listings.
type Summary struct {
	ID        string
	Title     string
	State     State
	Progress  Progress
	UpdatedAt time.Time
}

// Store persists session snapshots and their audio fragments beneath a
// data directory:
//
//	<root>/sessions/<id>.json
//	<root>/fragments/<id>/<job_id>.wav
//	<root>/archive/<id>.json
type Store struct {
	root string
	log  *logger.Logger
}

// NewStore prepares the store directories beneath root.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	for _, dir := range []string{sessionsDir, fragmentsDir, archiveDir} {
		err := fsutil.EnsureDir(filepath.Join(root, dir))
		if err != nil {
			return nil, err
		}
	}

	return &Store{root: root, log: log}, nil
}

// SnapshotPath returns the snapshot file for a session.
func (s *Store) SnapshotPath(id string) string {
	return filepath.Join(s.root, sessionsDir, id+snapshotExt)
}

// FragmentDir returns the directory holding a session's audio fragments.
func (s *Store) FragmentDir(id string) string {
	return filepath.Join(s.root, fragmentsDir, id)
}

// FragmentPath returns the local path of one job's fragment.
func (s *Store) FragmentPath(id, jobID string) string {
	return filepath.Join(s.FragmentDir(id), jobID+fragmentExt)
}

// Save writes the snapshot atomically: either the previous snapshot or the
// new one is on disk, never a torn write.
func (s *Store) Save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf(errFmtMarshal, sess.ID, err)
	}

	err = fsutil.WriteFileAtomic(s.SnapshotPath(sess.ID), data)
	if err != nil {
		return fmt.Errorf(errFmtSave, sess.ID, err)
	}

	return nil
}

// Load reads a session snapshot.
func (s *Store) Load(id string) (*Session, error) {
	return s.loadFile(s.SnapshotPath(id))
}

func (s *Store) loadFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf(errFmtRead, ErrSessionCorruption, path, err)
	}

	var sess Session

	err = json.Unmarshal(data, &sess)
	if err != nil {
		return nil, fmt.Errorf(errFmtDecode, ErrSessionCorruption, path, err)
	}

	err = sess.Validate()
	if err != nil {
		return nil, fmt.Errorf(errFmtValidate, ErrSessionCorruption, path, err)
	}

	return &sess, nil
}

// Resume loads a session and reclassifies interrupted attempts. The
// reclassified snapshot is saved before it is returned.
func (s *Store) Resume(id string, now time.Time) (*Session, []Coord, error) {
	sess, err := s.Load(id)
	if err != nil {
		return nil, nil, err
	}

	resumed := sess.Resume()
	if len(resumed) == 0 {
		return sess, nil, nil
	}

	sess.UpdatedAt = now.UTC()

	err = s.Save(sess)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("Session %s: %d interrupted chunks returned to pending", id, len(resumed))

	return sess, resumed, nil
}

// List returns summaries of all active sessions, most recently updated
// first. Corrupted snapshots are logged and skipped.
func (s *Store) List() ([]Summary, error) {
	sessions, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, Summary{
			ID:        sess.ID,
			Title:     sess.Title,
			State:     sess.State(),
			Progress:  sess.Progress(),
			UpdatedAt: sess.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	return summaries, nil
}

// FindByDocument returns the most recently updated active session created
// from the given document hash.
func (s *Store) FindByDocument(documentHash string) (*Session, error) {
	sessions, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	var found *Session

	for _, sess := range sessions {
		if sess.DocumentHash != documentHash {
			continue
		}

		if found == nil || sess.UpdatedAt.After(found.UpdatedAt) {
			found = sess
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: document %s", ErrSessionNotFound, documentHash)
	}

	return found, nil
}

func (s *Store) loadAll() ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []*Session

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}

		sess, loadErr := s.loadFile(filepath.Join(s.root, sessionsDir, name))
		if loadErr != nil {
			s.log.Warn("Skipping session snapshot %s: %v", name, loadErr)

			continue
		}

		sessions = append(sessions, sess)
	}

	return sessions, nil
}

// Archive moves the snapshot out of the active set and drops the session's
// fragments. It is called only after the final audiobook has been written.
func (s *Store) Archive(id string) error {
	err := os.Rename(s.SnapshotPath(id), filepath.Join(s.root, archiveDir, id+snapshotExt))
	if err != nil {
		return fmt.Errorf(errFmtArchive, id, err)
	}

	err = os.RemoveAll(s.FragmentDir(id))
	if err != nil {
		return fmt.Errorf(errFmtArchive, id, err)
	}

	return nil
}

// Discard deletes the snapshot and all fragments of a session.
func (s *Store) Discard(id string) error {
	err := os.Remove(s.SnapshotPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if err != nil {
		return fmt.Errorf(errFmtDiscard, id, err)
	}

	err = os.RemoveAll(s.FragmentDir(id))
	if err != nil {
		return fmt.Errorf(errFmtDiscard, id, err)
	}

	return nil
}
