// Package session models one document's conversion: its chapters, chunks
// and their synthesis progress. A Session is the unit of durability and
// resumption.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/tts-coordinator/internal/protocol"
)

// idLength is the number of hex characters kept from the session hash.
const idLength = 16

// ChunkStatus is the lifecycle state of a chunk.
type ChunkStatus string

// Chunk states. Completed and Failed are terminal.
const (
	StatusPending    ChunkStatus = "pending"
	StatusDispatched ChunkStatus = "dispatched"
	StatusCompleted  ChunkStatus = "completed"
	StatusFailed     ChunkStatus = "failed"
)

// State is the overall status derived from the chunk statuses.
type State string

// Session states.
const (
	StateInProgress           State = "in_progress"
	StateCompleted            State = "completed"
	StateCompletedWithFailure State = "completed_with_failures"
)

var (
	// ErrInvalidTransition is returned for a chunk state change the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid chunk transition")
	// ErrChunkNotFound is returned when coordinates do not name a chunk.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrInvalidSession is returned when a session violates its structure.
	ErrInvalidSession = errors.New("invalid session")
)

var allowedTransitions = map[ChunkStatus]map[ChunkStatus]bool{
	StatusPending: {
		StatusDispatched: true,
	},
	StatusDispatched: {
		StatusCompleted: true,
		StatusPending:   true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// ValidateTransition reports whether a chunk may move from one state to another.
func ValidateTransition(from, to ChunkStatus) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}

	if !next[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// IsTerminal reports whether the status is never revisited.
func (s ChunkStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Coord identifies a chunk within a session.
type Coord struct {
	ChapterID int `json:"chapter_id"`
	ChunkID   int `json:"chunk_id"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.ChapterID, c.ChunkID)
}

// Less orders coordinates chapter first, then chunk.
func (c Coord) Less(other Coord) bool {
	if c.ChapterID != other.ChapterID {
		return c.ChapterID < other.ChapterID
	}

	return c.ChunkID < other.ChunkID
}

// Chunk is the smallest unit of text dispatched as one job.
type Chunk struct {
	ChapterID      int              `json:"chapter_id"`
	ChunkID        int              `json:"chunk_id"`
	Text           string           `json:"text"`
	Options        protocol.Options `json:"options"`
	Status         ChunkStatus      `json:"status"`
	Worker         string           `json:"worker,omitempty"`
	RetryCount     int              `json:"retry_count"`
	OutputPath     string           `json:"output_path,omitempty"`
	DurationMS     int64            `json:"duration_ms,omitempty"`
	AudioSizeBytes int64            `json:"audio_size_bytes,omitempty"`
	AudioKey       string           `json:"audio_key,omitempty"`
	DispatchedAt   *time.Time       `json:"dispatched_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

// Coord returns the chunk's coordinates.
func (c *Chunk) Coord() Coord {
	return Coord{ChapterID: c.ChapterID, ChunkID: c.ChunkID}
}

// Transition moves the chunk to a new state when the lifecycle allows it.
func (c *Chunk) Transition(to ChunkStatus) error {
	err := ValidateTransition(c.Status, to)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", c.Coord(), err)
	}

	c.Status = to

	return nil
}

// Chapter is an ordered sequence of chunks.
type Chapter struct {
	ID     int     `json:"id"`
	Title  string  `json:"title,omitempty"`
	Chunks []Chunk `json:"chunks"`
}

// Session is the durable record of one document's conversion.
type Session struct {
	ID           string           `json:"id"`
	DocumentHash string           `json:"document_hash"`
	Title        string           `json:"title,omitempty"`
	Author       string           `json:"author,omitempty"`
	Options      protocol.Options `json:"options"`
	VoiceRefPath string           `json:"voice_ref_path,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Chapters     []Chapter        `json:"chapters"`
}

// DocumentHash returns the full hex sha256 of a document.
func DocumentHash(document []byte) string {
	sum := sha256.Sum256(document)

	return hex.EncodeToString(sum[:])
}

// ComputeID derives the stable session id from the document and options.
func ComputeID(document []byte, options protocol.Options) string {
	hasher := sha256.New()
	hasher.Write(document)
	hasher.Write([]byte{0})
	hasher.Write([]byte(options.Canonical()))

	return hex.EncodeToString(hasher.Sum(nil))[:idLength]
}

// Chunk returns the chunk at the given coordinates.
func (s *Session) Chunk(coord Coord) (*Chunk, error) {
	chapterIdx := sort.Search(len(s.Chapters), func(i int) bool {
		return s.Chapters[i].ID >= coord.ChapterID
	})
	if chapterIdx == len(s.Chapters) || s.Chapters[chapterIdx].ID != coord.ChapterID {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, coord)
	}

	chunks := s.Chapters[chapterIdx].Chunks

	chunkIdx := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].ChunkID >= coord.ChunkID
	})
	if chunkIdx == len(chunks) || chunks[chunkIdx].ChunkID != coord.ChunkID {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, coord)
	}

	return &chunks[chunkIdx], nil
}

// JobID derives the job id for a chunk of this session.
func (s *Session) JobID(coord Coord) string {
	return protocol.JobID(s.ID, coord.ChapterID, coord.ChunkID)
}

// Each visits every chunk in chapter-then-chunk order until fn returns false.
func (s *Session) Each(fn func(chunk *Chunk) bool) {
	for ci := range s.Chapters {
		chunks := s.Chapters[ci].Chunks
		for ki := range chunks {
			if !fn(&chunks[ki]) {
				return
			}
		}
	}
}

// Coords lists the coordinates of chunks in a given status, in order.
func (s *Session) Coords(status ChunkStatus) []Coord {
	var out []Coord

	s.Each(func(chunk *Chunk) bool {
		if chunk.Status == status {
			out = append(out, chunk.Coord())
		}

		return true
	})

	return out
}

// Unresolved lists every chunk that is not Completed.
func (s *Session) Unresolved() []Coord {
	var out []Coord

	s.Each(func(chunk *Chunk) bool {
		if chunk.Status != StatusCompleted {
			out = append(out, chunk.Coord())
		}

		return true
	})

	return out
}

// Progress summarizes chunk statuses.
type Progress struct {
	Total      int
	Pending    int
	Dispatched int
	Completed  int
	Failed     int
}

// Percent returns the completed share in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}

	return float64(p.Completed) * 100 / float64(p.Total)
}

// Progress counts chunks per status.
func (s *Session) Progress() Progress {
	var progress Progress

	s.Each(func(chunk *Chunk) bool {
		progress.Total++

		switch chunk.Status {
		case StatusPending:
			progress.Pending++
		case StatusDispatched:
			progress.Dispatched++
		case StatusCompleted:
			progress.Completed++
		case StatusFailed:
			progress.Failed++
		}

		return true
	})

	return progress
}

// State derives the overall session state.
func (s *Session) State() State {
	progress := s.Progress()

	switch {
	case progress.Pending > 0 || progress.Dispatched > 0:
		return StateInProgress
	case progress.Failed > 0:
		return StateCompletedWithFailure
	default:
		return StateCompleted
	}
}

// Resume reclassifies Dispatched chunks, whose attempts cannot have
// survived a coordinator restart, as Pending with one more retry counted.
// It returns the reclassified coordinates.
func (s *Session) Resume() []Coord {
	var resumed []Coord

	s.Each(func(chunk *Chunk) bool {
		if chunk.Status != StatusDispatched {
			return true
		}

		chunk.Status = StatusPending
		chunk.RetryCount++
		chunk.Worker = ""
		chunk.DispatchedAt = nil
		resumed = append(resumed, chunk.Coord())

		return true
	})

	return resumed
}

// Clone returns a deep copy suitable for persisting while the original
// continues to be used.
func (s *Session) Clone() *Session {
	out := *s
	out.Options = cloneOptions(s.Options)
	out.Chapters = make([]Chapter, len(s.Chapters))

	for ci, chapter := range s.Chapters {
		chunks := make([]Chunk, len(chapter.Chunks))
		for ki, chunk := range chapter.Chunks {
			chunk.Options = cloneOptions(chunk.Options)
			chunk.DispatchedAt = cloneTime(chunk.DispatchedAt)
			chunk.CompletedAt = cloneTime(chunk.CompletedAt)
			chunks[ki] = chunk
		}

		out.Chapters[ci] = Chapter{ID: chapter.ID, Title: chapter.Title, Chunks: chunks}
	}

	return &out
}

// Validate checks the structural invariants: non-negative, strictly
// increasing chapter and chunk ids, and known chunk statuses.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSession)
	}

	prevChapter := -1

	for _, chapter := range s.Chapters {
		if chapter.ID <= prevChapter {
			return fmt.Errorf("%w: chapter id %d out of order", ErrInvalidSession, chapter.ID)
		}

		prevChapter = chapter.ID
		prevChunk := -1

		for _, chunk := range chapter.Chunks {
			if chunk.ChapterID != chapter.ID {
				return fmt.Errorf("%w: chunk %s filed under chapter %d", ErrInvalidSession, chunk.Coord(), chapter.ID)
			}

			if chunk.ChunkID <= prevChunk {
				return fmt.Errorf("%w: chunk id %d out of order in chapter %d", ErrInvalidSession, chunk.ChunkID, chapter.ID)
			}

			prevChunk = chunk.ChunkID

			if _, known := allowedTransitions[chunk.Status]; !known {
				return fmt.Errorf("%w: chunk %s has unknown status %q", ErrInvalidSession, chunk.Coord(), chunk.Status)
			}
		}
	}

	return nil
}

func cloneOptions(o protocol.Options) protocol.Options {
	return protocol.Options{
		Exaggeration: cloneFloat(o.Exaggeration),
		CFG:          cloneFloat(o.CFG),
		Temperature:  cloneFloat(o.Temperature),
		VoiceRefHash: cloneString(o.VoiceRefHash),
	}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}

	c := *v

	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}

	c := *v

	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}

	c := *v

	return &c
}
