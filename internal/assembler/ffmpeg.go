package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/fsutil"
)

// Encoding defaults match a spoken-word audiobook.
const (
	DefaultFFmpegPath = "ffmpeg"
	DefaultCodec      = "aac"
	DefaultBitrate    = "128k"
)

// Validation limits.
const (
	maxSampleRate = 192000
	maxChannels   = 8
)

const (
	concatListName    = "concat.txt"
	metadataName      = "metadata.txt"
	stagingPattern    = ".mux-*"
	stderrTailBytes   = 2048
	listFilePerm      = 0o600
	errFmtSampleRate  = "%w: sample rate must be between 0 and %d Hz"
	errFmtChannels    = "%w: channels must be between 0 and %d"
	errFmtBitrate     = "%w: bitrate %q is not a number with optional k or M suffix"
	errFmtFFmpegRun   = "%w: %w: %s"
	errFmtWriteInput  = "failed to write mux input %s: %w"
	errFmtStagingDir  = "failed to create staging directory: %w"
	errFmtPublishMux  = "failed to move muxed output into place: %w"
	errMsgNoInputs    = "no inputs to mux"
	errMsgEmptyCodec  = "codec must not be empty"
	errMsgEmptyBinary = "ffmpeg path must not be empty"
)

var (
	// ErrInvalidEncoding is returned for encoding settings ffmpeg would reject.
	ErrInvalidEncoding = errors.New("invalid encoding settings")
	// ErrMuxFailed wraps a failed ffmpeg invocation.
	ErrMuxFailed = errors.New("mux failed")
)

// Encoding holds the output audio settings. Zero SampleRate or Channels keep
// the inputs' values.
type Encoding struct {
	Codec      string
	Bitrate    string
	SampleRate int
	Channels   int
}

// DefaultEncoding returns AAC at 128 kbit/s.
func DefaultEncoding() Encoding {
	return Encoding{
		Codec:      DefaultCodec,
		Bitrate:    DefaultBitrate,
		SampleRate: 0,
		Channels:   0,
	}
}

// Validate checks the settings are within the bounds ffmpeg accepts.
func (e Encoding) Validate() error {
	if strings.TrimSpace(e.Codec) == "" {
		return fmt.Errorf("%w: %s", ErrInvalidEncoding, errMsgEmptyCodec)
	}

	if e.SampleRate < 0 || e.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRate, ErrInvalidEncoding, maxSampleRate)
	}

	if e.Channels < 0 || e.Channels > maxChannels {
		return fmt.Errorf(errFmtChannels, ErrInvalidEncoding, maxChannels)
	}

	if e.Bitrate != "" && !validBitrate(e.Bitrate) {
		return fmt.Errorf(errFmtBitrate, ErrInvalidEncoding, e.Bitrate)
	}

	return nil
}

func validBitrate(bitrate string) bool {
	digits := strings.TrimRight(bitrate, "kKM")
	if digits == "" || len(bitrate)-len(digits) > 1 {
		return false
	}

	value, err := strconv.Atoi(digits)

	return err == nil && value > 0
}

// FFmpegMuxer implements core.Muxer by invoking ffmpeg with the concat
// demuxer and an FFMETADATA1 file.
type FFmpegMuxer struct {
	binary   string
	encoding Encoding
	log      *logger.Logger
}

// NewFFmpegMuxer validates the encoding and returns a muxer that runs binary.
func NewFFmpegMuxer(binary string, encoding Encoding, log *logger.Logger) (*FFmpegMuxer, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEncoding, errMsgEmptyBinary)
	}

	err := encoding.Validate()
	if err != nil {
		return nil, err
	}

	return &FFmpegMuxer{binary: binary, encoding: encoding, log: log}, nil
}

// Mux writes the concat list and metadata into a staging directory beside
// the output, runs ffmpeg into a staged file and renames it over the
// requested path only once ffmpeg succeeds.
func (m *FFmpegMuxer) Mux(ctx context.Context, request core.MuxRequest) error {
	if len(request.Inputs) == 0 {
		return fmt.Errorf("%w: %s", ErrMuxFailed, errMsgNoInputs)
	}

	outDir := filepath.Dir(request.OutputPath)

	err := fsutil.EnsureDir(outDir)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp(outDir, stagingPattern)
	if err != nil {
		return fmt.Errorf(errFmtStagingDir, err)
	}

	defer func() { _ = os.RemoveAll(staging) }()

	listPath := filepath.Join(staging, concatListName)
	metaPath := filepath.Join(staging, metadataName)
	stagedOut := filepath.Join(staging, "out"+filepath.Ext(request.OutputPath))

	err = os.WriteFile(listPath, []byte(ConcatList(request.Inputs)), listFilePerm)
	if err != nil {
		return fmt.Errorf(errFmtWriteInput, listPath, err)
	}

	err = os.WriteFile(metaPath, []byte(request.Metadata), listFilePerm)
	if err != nil {
		return fmt.Errorf(errFmtWriteInput, metaPath, err)
	}

	args := m.args(listPath, metaPath, stagedOut, request.OutputPath)

	var stderr bytes.Buffer

	// #nosec G204 -- binary comes from operator configuration.
	cmd := exec.CommandContext(ctx, m.binary, args...)
	cmd.Stderr = &stderr

	m.log.Info("Muxing %d fragments into %s", len(request.Inputs), request.OutputPath)

	err = cmd.Run()
	if err != nil {
		return fmt.Errorf(errFmtFFmpegRun, ErrMuxFailed, err, tail(stderr.String()))
	}

	err = os.Rename(stagedOut, request.OutputPath)
	if err != nil {
		return fmt.Errorf(errFmtPublishMux, err)
	}

	return nil
}

func (m *FFmpegMuxer) args(listPath, metaPath, stagedOut, finalPath string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-i", metaPath,
		"-map", "0:a", "-map_metadata", "1",
		"-c:a", m.encoding.Codec,
	}

	if m.encoding.Bitrate != "" {
		args = append(args, "-b:a", m.encoding.Bitrate)
	}

	if m.encoding.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(m.encoding.SampleRate))
	}

	if m.encoding.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(m.encoding.Channels))
	}

	// The staged name keeps the extension, but m4b is not a muxer name.
	if format := containerFormat(finalPath); format != "" {
		args = append(args, "-f", format)
	}

	return append(args, stagedOut)
}

func containerFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4b", ".m4a":
		return "mp4"
	default:
		return ""
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailBytes {
		return s[len(s)-stderrTailBytes:]
	}

	return s
}
