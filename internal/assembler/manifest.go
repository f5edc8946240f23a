// Package assembler orders a session's completed fragments into one
// chaptered audiobook. It builds the manifest (ordered inputs plus chapter
// markers) and hands it to an external muxing tool.
package assembler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/book-expert/tts-coordinator/internal/session"
)

const (
	metadataHeader = ";FFMETADATA1"
	metadataGenre  = "Audiobook"
	timebase       = "1/1000"
)

var (
	// ErrAssemblyBlocked is returned when failed chunks prevent assembly and
	// no override was given.
	ErrAssemblyBlocked = errors.New("assembly blocked by failed chunks")
	// ErrNotSettled is returned while chunks are still Pending or Dispatched.
	ErrNotSettled = errors.New("session still has unfinished chunks")
	// ErrNothingToAssemble is returned when no chunk has completed.
	ErrNothingToAssemble = errors.New("no completed chunks to assemble")
)

// BlockedError names every chunk that keeps a session from being assembled.
type BlockedError struct {
	Failed     []session.Coord
	Unfinished []session.Coord
}

func (e *BlockedError) Error() string {
	var parts []string

	if len(e.Failed) > 0 {
		parts = append(parts, "failed chunks "+joinCoords(e.Failed))
	}

	if len(e.Unfinished) > 0 {
		parts = append(parts, "unfinished chunks "+joinCoords(e.Unfinished))
	}

	return "cannot assemble: " + strings.Join(parts, "; ")
}

// Is lets errors.Is match the sentinel for the kind of block.
func (e *BlockedError) Is(target error) bool {
	switch {
	case errors.Is(target, ErrNotSettled):
		return len(e.Unfinished) > 0
	case errors.Is(target, ErrAssemblyBlocked):
		return len(e.Failed) > 0
	default:
		return false
	}
}

func joinCoords(coords []session.Coord) string {
	out := make([]string, 0, len(coords))
	for _, coord := range coords {
		out = append(out, coord.String())
	}

	return strings.Join(out, ", ")
}

// Segment is one fragment placed on the output timeline.
type Segment struct {
	Coord      session.Coord
	Path       string
	StartMS    int64
	DurationMS int64
}

// Gap is a chunk skipped under the failed-chunk override.
type Gap struct {
	Coord session.Coord
	// AtMS is the timeline position where the chunk's audio would have begun.
	AtMS   int64
	Reason string
}

// ChapterMarker spans one chapter on the output timeline.
type ChapterMarker struct {
	ChapterID int
	Title     string
	StartMS   int64
	EndMS     int64
	// Gaps counts chunks of this chapter missing from the timeline.
	Gaps int
}

// Manifest is the complete description of the artifact to mux.
type Manifest struct {
	Title    string
	Author   string
	Segments []Segment
	Chapters []ChapterMarker
	Gaps     []Gap
	TotalMS  int64
}

// Inputs lists segment paths in timeline order.
func (m Manifest) Inputs() []string {
	paths := make([]string, 0, len(m.Segments))
	for _, segment := range m.Segments {
		paths = append(paths, segment.Path)
	}

	return paths
}

// BuildManifest orders the session's Completed chunks by (chapter, chunk)
// and derives chapter markers from the cumulative reported durations.
// Failed chunks block assembly unless allowFailed is set, in which case
// each becomes a recorded Gap. Chapters left without audio get no marker.
func BuildManifest(sess *session.Session, allowFailed bool) (Manifest, error) {
	blocked := &BlockedError{Failed: nil, Unfinished: nil}

	sess.Each(func(chunk *session.Chunk) bool {
		switch chunk.Status {
		case session.StatusFailed:
			blocked.Failed = append(blocked.Failed, chunk.Coord())
		case session.StatusPending, session.StatusDispatched:
			blocked.Unfinished = append(blocked.Unfinished, chunk.Coord())
		case session.StatusCompleted:
		}

		return true
	})

	if len(blocked.Unfinished) > 0 || (len(blocked.Failed) > 0 && !allowFailed) {
		return Manifest{}, blocked
	}

	manifest := Manifest{
		Title:    sess.Title,
		Author:   sess.Author,
		Segments: nil,
		Chapters: nil,
		Gaps:     nil,
		TotalMS:  0,
	}

	var cursor int64

	for _, chapter := range sess.Chapters {
		marker := ChapterMarker{
			ChapterID: chapter.ID,
			Title:     chapterTitle(chapter),
			StartMS:   cursor,
			EndMS:     cursor,
			Gaps:      0,
		}

		for _, chunk := range chapter.Chunks {
			if chunk.Status != session.StatusCompleted {
				manifest.Gaps = append(manifest.Gaps, Gap{Coord: chunk.Coord(), AtMS: cursor, Reason: chunk.LastError})
				marker.Gaps++

				continue
			}

			manifest.Segments = append(manifest.Segments, Segment{
				Coord:      chunk.Coord(),
				Path:       chunk.OutputPath,
				StartMS:    cursor,
				DurationMS: chunk.DurationMS,
			})
			cursor += chunk.DurationMS
		}

		marker.EndMS = cursor

		if marker.EndMS > marker.StartMS {
			manifest.Chapters = append(manifest.Chapters, marker)
		}
	}

	manifest.TotalMS = cursor

	if len(manifest.Segments) == 0 {
		return Manifest{}, ErrNothingToAssemble
	}

	return manifest, nil
}

func chapterTitle(chapter session.Chapter) string {
	if strings.TrimSpace(chapter.Title) != "" {
		return chapter.Title
	}

	return fmt.Sprintf("Chapter %d", chapter.ID+1)
}

// FFMetadata renders the manifest in ffmpeg's FFMETADATA1 format with
// millisecond chapter markers. Skipped chunks are listed as comments.
func (m Manifest) FFMetadata() string {
	var b strings.Builder

	b.WriteString(metadataHeader + "\n")
	b.WriteString("title=" + EscapeMetadata(m.Title) + "\n")
	b.WriteString("artist=" + EscapeMetadata(m.Author) + "\n")
	b.WriteString("album=" + EscapeMetadata(m.Title) + "\n")
	b.WriteString("genre=" + metadataGenre + "\n")

	for _, gap := range m.Gaps {
		b.WriteString(fmt.Sprintf("; gap: chunk %s missing at %d ms\n", gap.Coord, gap.AtMS))
	}

	for _, chapter := range m.Chapters {
		b.WriteString("\n[CHAPTER]\n")
		b.WriteString("TIMEBASE=" + timebase + "\n")
		b.WriteString("START=" + strconv.FormatInt(chapter.StartMS, 10) + "\n")
		b.WriteString("END=" + strconv.FormatInt(chapter.EndMS, 10) + "\n")
		b.WriteString("title=" + EscapeMetadata(chapter.Title) + "\n")
	}

	return b.String()
}

// EscapeMetadata escapes '=', ';', '#', '\' and newlines for FFMETADATA1.
func EscapeMetadata(value string) string {
	var b strings.Builder

	b.Grow(len(value))

	for _, r := range value {
		switch r {
		case '=', ';', '#', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

// ConcatList renders inputs for ffmpeg's concat demuxer.
func ConcatList(inputs []string) string {
	var b strings.Builder

	for _, path := range inputs {
		b.WriteString("file '" + strings.ReplaceAll(path, "'", `'\''`) + "'\n")
	}

	return b.String()
}
