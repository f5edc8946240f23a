package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/fsutil"
	"github.com/book-expert/tts-coordinator/internal/session"
)

var (
	// ErrUnsupportedOutput is returned for output paths without an audio extension.
	ErrUnsupportedOutput = errors.New("unsupported output format")
	// ErrMissingFragment is returned when a Completed chunk's file is gone.
	ErrMissingFragment = errors.New("fragment file missing")
)

// Result describes a finished assembly.
type Result struct {
	OutputPath string
	Manifest   Manifest
}

// Assembler turns a settled Session into one artifact.
type Assembler struct {
	muxer core.Muxer
	log   *logger.Logger
}

// New returns an Assembler that hands manifests to muxer.
func New(muxer core.Muxer, log *logger.Logger) *Assembler {
	return &Assembler{muxer: muxer, log: log}
}

// Assemble builds the manifest for sess, checks every input is present and
// muxes it into output. Skipped chunks are logged by coordinate.
func (a *Assembler) Assemble(ctx context.Context, sess *session.Session, output string, allowFailed bool) (Result, error) {
	if !fsutil.IsValidAudioFile(output) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedOutput, output)
	}

	manifest, err := BuildManifest(sess, allowFailed)
	if err != nil {
		return Result{}, err
	}

	for _, segment := range manifest.Segments {
		info, statErr := os.Stat(segment.Path)
		if statErr != nil || info.Size() == 0 {
			return Result{}, fmt.Errorf("%w: chunk %s at %s", ErrMissingFragment, segment.Coord, segment.Path)
		}
	}

	for _, gap := range manifest.Gaps {
		a.log.Warn("Assembling session %s without chunk %s: %s", sess.ID, gap.Coord, gap.Reason)
	}

	err = a.muxer.Mux(ctx, core.MuxRequest{
		Inputs:     manifest.Inputs(),
		Metadata:   manifest.FFMetadata(),
		OutputPath: output,
	})
	if err != nil {
		return Result{}, fmt.Errorf("assemble session %s: %w", sess.ID, err)
	}

	a.log.Info("Assembled session %s: %d segments, %d chapters, %d ms",
		sess.ID, len(manifest.Segments), len(manifest.Chapters), manifest.TotalMS)

	return Result{OutputPath: output, Manifest: manifest}, nil
}
