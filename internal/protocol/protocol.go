// Package protocol defines the messages exchanged between the coordinator and
// synthesis workers.
//
// Jobs travel coordinator -> worker as a single JSON document written to the
// input stream of the remote run command. Results travel worker -> coordinator
// either on that command's output stream or through a result file the worker
// writes next to the synthesized audio.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version carried on every message.
const Version = 1

// Default synthesis parameters used when the operator does not override them.
const (
	DefaultExaggeration = 0.5
	DefaultCFG          = 0.5
	DefaultTemperature  = 0.8
)

// ErrProtocol marks a malformed Job, Result or status payload.
var ErrProtocol = errors.New("protocol error")

// ResultStatus is the terminal status a worker reports for a job.
type ResultStatus string

// Result statuses understood by the coordinator.
const (
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
)

// Options carries the per-job synthesis parameters. Every field is optional on
// the wire; a nil value means "worker default".
type Options struct {
	Exaggeration *float64 `json:"exaggeration,omitempty"`
	CFG          *float64 `json:"cfg,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	VoiceRefHash *string  `json:"voice_ref_hash,omitempty"`
}

// DefaultOptions returns options populated with the standard parameters and no
// voice reference.
func DefaultOptions() Options {
	exaggeration := DefaultExaggeration
	cfg := DefaultCFG
	temperature := DefaultTemperature

	return Options{
		Exaggeration: &exaggeration,
		CFG:          &cfg,
		Temperature:  &temperature,
		VoiceRefHash: nil,
	}
}

// VoiceRef returns the voice reference fingerprint or an empty string.
func (o Options) VoiceRef() string {
	if o.VoiceRefHash == nil {
		return ""
	}

	return *o.VoiceRefHash
}

// Canonical renders the options in a stable textual form used for hashing.
func (o Options) Canonical() string {
	parts := []string{
		"exaggeration=" + formatFloat(o.Exaggeration),
		"cfg=" + formatFloat(o.CFG),
		"temperature=" + formatFloat(o.Temperature),
		"voice=" + o.VoiceRef(),
	}

	return strings.Join(parts, ";")
}

func formatFloat(value *float64) string {
	if value == nil {
		return ""
	}

	return fmt.Sprintf("%.4f", *value)
}

// Job is the coordinator -> worker message.
type Job struct {
	Version   int       `json:"version"`
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id"`
	ChapterID int       `json:"chapter_id"`
	ChunkID   int       `json:"chunk_id"`
	Text      string    `json:"text"`
	Options   Options   `json:"options"`
	CreatedAt time.Time `json:"created_at"`
}

// JobID derives the deterministic job identifier for a chunk.
func JobID(sessionID string, chapterID, chunkID int) string {
	return fmt.Sprintf("%s_ch%03d_ck%04d", sessionID, chapterID, chunkID)
}

// NewJob builds a Job for the given chunk coordinates.
func NewJob(sessionID string, chapterID, chunkID int, text string, options Options, now time.Time) Job {
	return Job{
		Version:   Version,
		JobID:     JobID(sessionID, chapterID, chunkID),
		SessionID: sessionID,
		ChapterID: chapterID,
		ChunkID:   chunkID,
		Text:      text,
		Options:   options,
		CreatedAt: now.UTC(),
	}
}

// Encode serializes the job for the worker's input stream.
func (j Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", j.JobID, err)
	}

	return data, nil
}

// DecodeJob parses a job payload. Workers and test doubles use it.
func DecodeJob(data []byte) (Job, error) {
	var job Job

	err := json.Unmarshal(data, &job)
	if err != nil {
		return Job{}, fmt.Errorf("%w: decode job: %w", ErrProtocol, err)
	}

	if job.JobID == "" || job.SessionID == "" {
		return Job{}, fmt.Errorf("%w: job is missing identifiers", ErrProtocol)
	}

	return job, nil
}

// Result is the worker -> coordinator message.
type Result struct {
	Version        int          `json:"version"`
	JobID          string       `json:"job_id"`
	Status         ResultStatus `json:"status"`
	DurationMS     int64        `json:"duration_ms"`
	AudioSizeBytes int64        `json:"audio_size_bytes"`
	AudioPath      string       `json:"audio_path"`
	Error          *string      `json:"error"`
	CompletedAt    time.Time    `json:"completed_at"`
}

// SessionID recovers the session component of the job id.
func (r Result) SessionID() string {
	idx := strings.LastIndex(r.JobID, "_ch")
	if idx <= 0 {
		return ""
	}

	return r.JobID[:idx]
}

// ErrorMessage returns the reported error or a placeholder.
func (r Result) ErrorMessage() string {
	if r.Error == nil || *r.Error == "" {
		return "unknown"
	}

	return *r.Error
}

// Encode serializes the result. Workers and test doubles use it.
func (r Result) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result %s: %w", r.JobID, err)
	}

	return data, nil
}

// DecodeResult parses and validates a result payload.
func DecodeResult(data []byte) (Result, error) {
	var result Result

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Result{}, fmt.Errorf("%w: empty result payload", ErrProtocol)
	}

	err := json.Unmarshal([]byte(trimmed), &result)
	if err != nil {
		return Result{}, fmt.Errorf("%w: decode result: %w", ErrProtocol, err)
	}

	if result.JobID == "" {
		return Result{}, fmt.Errorf("%w: result is missing job_id", ErrProtocol)
	}

	switch result.Status {
	case StatusCompleted, StatusFailed:
	default:
		return Result{}, fmt.Errorf("%w: unknown result status %q", ErrProtocol, result.Status)
	}

	return result, nil
}

// CompletedResult builds a successful result.
func CompletedResult(jobID string, durationMS, sizeBytes int64, audioPath string, now time.Time) Result {
	return Result{
		Version:        Version,
		JobID:          jobID,
		Status:         StatusCompleted,
		DurationMS:     durationMS,
		AudioSizeBytes: sizeBytes,
		AudioPath:      audioPath,
		Error:          nil,
		CompletedAt:    now.UTC(),
	}
}

// FailedResult builds a failed result.
func FailedResult(jobID, reason string, now time.Time) Result {
	return Result{
		Version:        Version,
		JobID:          jobID,
		Status:         StatusFailed,
		DurationMS:     0,
		AudioSizeBytes: 0,
		AudioPath:      "",
		Error:          &reason,
		CompletedAt:    now.UTC(),
	}
}

// StatusReply is the answer to a worker status probe.
type StatusReply struct {
	Ready           bool   `json:"ready"`
	Device          string `json:"device"`
	Version         string `json:"gena_version,omitempty"`
	EngineInstalled bool   `json:"chatterbox_installed,omitempty"`
	JobsInProgress  int    `json:"jobs_in_progress"`
	AvailableDiskMB int64  `json:"available_disk_mb"`
}

// DecodeStatus parses a status probe reply. The reply must be a JSON object
// carrying at least the ready and device fields.
func DecodeStatus(data []byte) (StatusReply, error) {
	var fields map[string]json.RawMessage

	err := json.Unmarshal(data, &fields)
	if err != nil {
		return StatusReply{}, fmt.Errorf("%w: decode status: %w", ErrProtocol, err)
	}

	for _, required := range []string{"ready", "device"} {
		if _, ok := fields[required]; !ok {
			return StatusReply{}, fmt.Errorf("%w: status reply is missing %q", ErrProtocol, required)
		}
	}

	var reply StatusReply

	err = json.Unmarshal(data, &reply)
	if err != nil {
		return StatusReply{}, fmt.Errorf("%w: decode status: %w", ErrProtocol, err)
	}

	return reply, nil
}

// Well-known worker-side locations, relative to the worker user's home.
const (
	WorkerRoot = ".gena/worker"
	OutputDir  = WorkerRoot + "/output"
	VoicesDir  = WorkerRoot + "/voices"
	audioExt   = ".wav"
	resultExt  = ".json"
)

// OutputPath is where a worker writes the audio for a job.
func OutputPath(jobID string) string {
	return OutputDir + "/" + jobID + audioExt
}

// ResultPath is where a worker writes the result document for a job.
func ResultPath(jobID string) string {
	return OutputDir + "/" + jobID + resultExt
}

// VoiceRefPath is where a voice reference with the given fingerprint lives.
func VoiceRefPath(hash string) string {
	return VoicesDir + "/" + hash + audioExt
}
