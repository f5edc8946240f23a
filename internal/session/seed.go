package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/tts-coordinator/internal/protocol"
)

// ErrInvalidSeed is returned when the chunked document cannot start a session.
var ErrInvalidSeed = errors.New("invalid seed")

// SeedChapter is one chapter of the chunked document as produced upstream.
type SeedChapter struct {
	Title  string   `json:"title"`
	Chunks []string `json:"chunks"`
}

// Seed is the already-chunked document the coordinator starts from.
type Seed struct {
	Title    string        `json:"title"`
	Author   string        `json:"author"`
	Chapters []SeedChapter `json:"chapters"`
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed

	err := json.Unmarshal(data, &seed)
	if err != nil {
		return Seed{}, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}

	err = seed.Validate()
	if err != nil {
		return Seed{}, err
	}

	return seed, nil
}

// Validate rejects seeds with no chapters, empty chapters or blank chunks.
func (s Seed) Validate() error {
	if len(s.Chapters) == 0 {
		return fmt.Errorf("%w: no chapters", ErrInvalidSeed)
	}

	for ci, chapter := range s.Chapters {
		if len(chapter.Chunks) == 0 {
			return fmt.Errorf("%w: chapter %d has no chunks", ErrInvalidSeed, ci)
		}

		for ki, text := range chapter.Chunks {
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("%w: chunk (%d,%d) is blank", ErrInvalidSeed, ci, ki)
			}
		}
	}

	return nil
}

// NewParams groups the inputs that identify a new session.
type NewParams struct {
	// Document is the source document the seed was chunked from. Its hash
	// makes the session id stable across runs.
	Document     []byte
	Seed         Seed
	Options      protocol.Options
	VoiceRefPath string
	Now          time.Time
}

// New builds a fresh session with every chunk Pending. Chapter and chunk ids
// follow seed order starting at zero.
func New(params NewParams) (*Session, error) {
	err := params.Seed.Validate()
	if err != nil {
		return nil, err
	}

	now := params.Now.UTC()
	chapters := make([]Chapter, 0, len(params.Seed.Chapters))

	for ci, seedChapter := range params.Seed.Chapters {
		chunks := make([]Chunk, 0, len(seedChapter.Chunks))

		for ki, text := range seedChapter.Chunks {
			chunks = append(chunks, Chunk{
				ChapterID:      ci,
				ChunkID:        ki,
				Text:           text,
				Options:        cloneOptions(params.Options),
				Status:         StatusPending,
				Worker:         "",
				RetryCount:     0,
				OutputPath:     "",
				DurationMS:     0,
				AudioSizeBytes: 0,
				AudioKey:       "",
				DispatchedAt:   nil,
				CompletedAt:    nil,
				LastError:      "",
			})
		}

		chapters = append(chapters, Chapter{ID: ci, Title: seedChapter.Title, Chunks: chunks})
	}

	return &Session{
		ID:           ComputeID(params.Document, params.Options),
		DocumentHash: DocumentHash(params.Document),
		Title:        params.Seed.Title,
		Author:       params.Seed.Author,
		Options:      cloneOptions(params.Options),
		VoiceRefPath: params.VoiceRefPath,
		CreatedAt:    now,
		UpdatedAt:    now,
		Chapters:     chapters,
	}, nil
}
