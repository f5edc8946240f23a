// Package fsutil provides the file and path helpers shared by the session
// store, the worker registry file and the assembler.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variable names used for path resolution.
const (
	envDataDir = "TTS_COORDINATOR_DATA_DIR"
)

// Common application directory and path constants.
const (
	appName                = "tts-coordinator"
	tmpDir                 = "/tmp"
	dotLocalShare          = ".local/share"
	defaultDirPermissions  = 0o750
	defaultFilePermissions = 0o640
	tempPattern            = ".tmp-*"
	invalidCharReplacement = "_"
)

// File extension constants.
const (
	extAAC  = ".aac"
	extFLAC = ".flac"
	extM4A  = ".m4a"
	extM4B  = ".m4b"
	extMP3  = ".mp3"
	extOGG  = ".ogg"
	extOPUS = ".opus"
	extWAV  = ".wav"
)

// Error message and format string constants.
const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtCreateTemp        = "failed to create temporary file in %s: %w"
	errFmtWriteTemp         = "failed to write temporary file %s: %w"
	errFmtSyncTemp          = "failed to sync temporary file %s: %w"
	errFmtCloseTemp         = "failed to close temporary file %s: %w"
	errFmtRename            = "failed to rename %s to %s: %w"
	errFmtStatDir           = "failed to stat directory %s: %w"
	errFmtSyncDir           = "failed to sync directory %s: %w"
	errEmptyPathMsg         = "path is empty"
	errNotDirMsg            = "path exists and is not a directory"
)

var (
	// ErrEmptyPath is returned when a helper receives an empty path.
	ErrEmptyPath = errors.New(errEmptyPathMsg)
	// ErrNotDir is returned by EnsureDir when the path names something else.
	ErrNotDir = errors.New(errNotDirMsg)
)

// DataDir returns the application's data directory, respecting an environment
// variable override and falling back to a standard user-based location.
func DataDir() string {
	if dataDir := os.Getenv(envDataDir); dataDir != "" {
		return dataDir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(tmpDir, appName)
	}

	return filepath.Join(homeDir, dotLocalShare, appName)
}

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	info, statErr := os.Stat(path)

	switch {
	case errors.Is(statErr, os.ErrNotExist):
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}

		return nil
	case statErr != nil:
		return fmt.Errorf(errFmtStatDir, path, statErr)
	case !info.IsDir():
		return fmt.Errorf("%s: %w", path, ErrNotDir)
	}

	return nil
}

// WriteFileAtomic writes data to a temporary file in the destination's
// directory and renames it over the destination. A crash at any point leaves
// either the previous file or the new one, never a partial write.
func WriteFileAtomic(path string, data []byte) error {
	if path == "" {
		return ErrEmptyPath
	}

	dir := filepath.Dir(path)

	err := EnsureDir(dir)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempPattern)
	if err != nil {
		return fmt.Errorf(errFmtCreateTemp, dir, err)
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	_, err = tmp.Write(data)
	if err != nil {
		_ = tmp.Close()

		return fmt.Errorf(errFmtWriteTemp, tmpName, err)
	}

	err = tmp.Sync()
	if err != nil {
		_ = tmp.Close()

		return fmt.Errorf(errFmtSyncTemp, tmpName, err)
	}

	err = tmp.Close()
	if err != nil {
		return fmt.Errorf(errFmtCloseTemp, tmpName, err)
	}

	err = os.Chmod(tmpName, defaultFilePermissions)
	if err != nil {
		return fmt.Errorf(errFmtWriteTemp, tmpName, err)
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		return fmt.Errorf(errFmtRename, tmpName, path, err)
	}

	committed = true

	return syncDir(dir)
}

// syncDir flushes a directory entry so a rename into it survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf(errFmtSyncDir, dir, err)
	}

	err = d.Sync()
	closeErr := d.Close()

	if err != nil {
		return fmt.Errorf(errFmtSyncDir, dir, err)
	}

	if closeErr != nil {
		return fmt.Errorf(errFmtSyncDir, dir, closeErr)
	}

	return nil
}

// IsValidAudioFile checks if a filename has a supported audio container extension.
func IsValidAudioFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case extWAV, extMP3, extFLAC, extOGG, extOPUS, extM4A, extM4B, extAAC:
		return true
	default:
		return false
	}
}

// SanitizeFilename removes or replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)

	return replacer.Replace(filename)
}
