// Package core defines the capability interfaces the coordinator is written
// against. Concrete transports, stores and tools live in their own packages.
package core

import (
	"context"

	"github.com/book-expert/tts-coordinator/internal/protocol"
)

// Transport is the capability set offered by one live session to a worker.
// Each worker selects its implementation when it is registered.
type Transport interface {
	// Probe issues a lightweight status query.
	Probe(ctx context.Context) (protocol.StatusReply, error)
	// SendJob delivers the job. It returns once the worker has accepted the
	// payload, not when synthesis finishes.
	SendJob(ctx context.Context, job protocol.Job) error
	// FetchResult waits for the result of a previously sent job.
	FetchResult(ctx context.Context, jobID string) (protocol.Result, error)
	// FetchFile copies a remote file to a local path.
	FetchFile(ctx context.Context, remotePath, localPath string) error
	// UploadFile copies a local file to a remote path.
	UploadFile(ctx context.Context, localPath, remotePath string) error
	// RemoveFile deletes a remote file. Missing files are not an error.
	RemoveFile(ctx context.Context, remotePath string) error
	// Close tears the session down.
	Close() error
}

// Endpoint is the addressing information a Dialer needs.
type Endpoint struct {
	Name          string
	Host          string
	Port          int
	User          string
	CredentialRef string
	Transport     string
}

// Dialer opens an authenticated Transport to a worker.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Transport, error)
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// ChunkEvent describes a chunk that reached Completed.
type ChunkEvent struct {
	SessionID   string
	ChapterID   int
	ChunkID     int
	TotalChunks int
	Completed   int
	Worker      string
	AudioKey    string
	DurationMS  int64
}

// Publisher broadcasts progress to interested parties.
type Publisher interface {
	ChunkCompleted(ctx context.Context, event ChunkEvent) error
}

// JournalEntry is one recorded chunk transition.
type JournalEntry struct {
	SessionID string
	ChapterID int
	ChunkID   int
	Worker    string
	Type      string
	Detail    string
}

// Journal records chunk transitions for later inspection.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// MuxRequest is everything the external muxing tool needs to produce one
// chaptered artifact.
type MuxRequest struct {
	Inputs     []string
	Metadata   string
	OutputPath string
}

// Muxer concatenates ordered audio fragments and applies chapter metadata.
type Muxer interface {
	Mux(ctx context.Context, request MuxRequest) error
}
