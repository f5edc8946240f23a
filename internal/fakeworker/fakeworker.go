// Package fakeworker is an in-memory worker used to exercise the coordinator
// without remote machines. It implements both core.Dialer and core.Transport.
package fakeworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/protocol"
)

var (
	// ErrInjected is the error returned by scripted failures.
	ErrInjected = errors.New("injected failure")
	// ErrSessionClosed is returned to fetches cut off by closing their session.
	ErrSessionClosed = errors.New("session closed")
)

const corruptPayload = `{"version": 1, "job_id": `

// Responder decides how the worker answers a job. Returning nil leaves the
// job hanging until Deliver is called or the fetch context ends.
type Responder func(job protocol.Job) *protocol.Result

// Worker simulates one synthesis worker.
type Worker struct {
	Name string

	mu          sync.Mutex
	status      protocol.StatusReply
	probeErr    error
	dialErr     error
	sendErrs    int
	fetchErr    error
	corrupt     int
	respond     Responder
	pending     map[string]chan protocol.Result
	files       map[string][]byte
	sent        []protocol.Job
	uploads     []string
	removed     []string
	dials       int
	closes      int
	inflight    int
	maxInflight int
}

// New creates a ready worker that completes every job with one second of audio.
func New(name string) *Worker {
	return &Worker{
		Name: name,
		mu:   sync.Mutex{},
		status: protocol.StatusReply{
			Ready:           true,
			Device:          "cpu",
			Version:         "fake",
			EngineInstalled: true,
			JobsInProgress:  0,
			AvailableDiskMB: 1024,
		},
		probeErr:    nil,
		dialErr:     nil,
		sendErrs:    0,
		fetchErr:    nil,
		corrupt:     0,
		respond:     Complete(1000),
		pending:     make(map[string]chan protocol.Result),
		files:       make(map[string][]byte),
		sent:        nil,
		uploads:     nil,
		removed:     nil,
		dials:       0,
		closes:      0,
		inflight:    0,
		maxInflight: 0,
	}
}

// Complete answers every job with a completed result of the given duration.
func Complete(durationMS int64) Responder {
	return func(job protocol.Job) *protocol.Result {
		result := protocol.CompletedResult(job.JobID, durationMS, 4, protocol.OutputPath(job.JobID), time.Now())

		return &result
	}
}

// Fail answers every job with a failed result.
func Fail(reason string) Responder {
	return func(job protocol.Job) *protocol.Result {
		result := protocol.FailedResult(job.JobID, reason, time.Now())

		return &result
	}
}

// Hang never answers.
func Hang() Responder {
	return func(protocol.Job) *protocol.Result { return nil }
}

// SetResponder replaces the job responder.
func (w *Worker) SetResponder(respond Responder) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.respond = respond
}

// SetStatus replaces the probe reply.
func (w *Worker) SetStatus(status protocol.StatusReply) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status = status
}

// FailProbe makes probes fail with err (nil restores them).
func (w *Worker) FailProbe(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.probeErr = err
}

// FailDial makes dials fail with err (nil restores them).
func (w *Worker) FailDial(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dialErr = err
}

// FailSends makes the next n sends fail.
func (w *Worker) FailSends(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sendErrs = n
}

// CorruptResults makes the next n results arrive as unparseable payloads.
func (w *Worker) CorruptResults(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.corrupt = n
}

// FailFetches makes audio downloads fail with err (nil restores them).
func (w *Worker) FailFetches(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.fetchErr = err
}

// Deliver hands a result to a waiting fetch.
func (w *Worker) Deliver(result protocol.Result) {
	w.mu.Lock()
	ch, ok := w.pending[result.JobID]
	if !ok {
		ch = make(chan protocol.Result, 1)
		w.pending[result.JobID] = ch
	}
	w.storeAudio(result)
	w.mu.Unlock()

	select {
	case ch <- result:
	default:
	}
}

// Sent returns the jobs received so far in arrival order.
func (w *Worker) Sent() []protocol.Job {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]protocol.Job(nil), w.sent...)
}

// Uploads returns the remote paths uploaded so far.
func (w *Worker) Uploads() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.uploads...)
}

// Removed returns the remote paths deleted so far.
func (w *Worker) Removed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.removed...)
}

// Closes reports how many sessions were closed.
func (w *Worker) Closes() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closes
}

// Dials reports how many sessions were opened.
func (w *Worker) Dials() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.dials
}

// MaxInflight reports the highest number of jobs seen running at once.
func (w *Worker) MaxInflight() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.maxInflight
}

// Probe implements core.Transport.
func (w *Worker) Probe(ctx context.Context) (protocol.StatusReply, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.probeErr != nil {
		return protocol.StatusReply{}, w.probeErr
	}

	reply := w.status
	reply.JobsInProgress = w.inflight

	return reply, ctx.Err()
}

// SendJob implements core.Transport.
func (w *Worker) SendJob(_ context.Context, job protocol.Job) error {
	w.mu.Lock()

	if w.sendErrs > 0 {
		w.sendErrs--
		w.mu.Unlock()

		return fmt.Errorf("send %s: %w", job.JobID, ErrInjected)
	}

	w.sent = append(w.sent, job)
	w.inflight++
	w.maxInflight = max(w.maxInflight, w.inflight)

	ch := make(chan protocol.Result, 1)
	w.pending[job.JobID] = ch
	respond := w.respond
	w.mu.Unlock()

	if result := respond(job); result != nil {
		w.Deliver(*result)
	}

	return nil
}

// FetchResult implements core.Transport.
func (w *Worker) FetchResult(ctx context.Context, jobID string) (protocol.Result, error) {
	return w.fetchResult(ctx, jobID, nil)
}

// fetchResult waits for the job's result until ctx ends or closed is closed.
func (w *Worker) fetchResult(ctx context.Context, jobID string, closed <-chan struct{}) (protocol.Result, error) {
	w.mu.Lock()
	ch, ok := w.pending[jobID]
	w.mu.Unlock()

	if !ok {
		return protocol.Result{}, fmt.Errorf("no job %s on %s: %w", jobID, w.Name, ErrInjected)
	}

	defer func() {
		w.mu.Lock()
		w.inflight--
		if w.pending[jobID] == ch {
			delete(w.pending, jobID)
		}
		w.mu.Unlock()
	}()

	select {
	case result := <-ch:
		return w.decode(result)
	case <-ctx.Done():
		return protocol.Result{}, ctx.Err()
	case <-closed:
		return protocol.Result{}, fmt.Errorf("await result of %s on %s: %w", jobID, w.Name, ErrSessionClosed)
	}
}

// decode hands back result, or a decode failure when corruption is scripted.
func (w *Worker) decode(result protocol.Result) (protocol.Result, error) {
	w.mu.Lock()
	garble := w.corrupt > 0
	if garble {
		w.corrupt--
	}
	w.mu.Unlock()

	if garble {
		return protocol.DecodeResult([]byte(corruptPayload))
	}

	return result, nil
}

// FetchFile implements core.Transport.
func (w *Worker) FetchFile(_ context.Context, remotePath, localPath string) error {
	w.mu.Lock()
	data, ok := w.files[remotePath]
	fetchErr := w.fetchErr
	w.mu.Unlock()

	if fetchErr != nil {
		return fetchErr
	}

	if !ok {
		return fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
	}

	err := os.MkdirAll(filepath.Dir(localPath), 0o750)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", localPath, err)
	}

	err = os.WriteFile(localPath, data, 0o600)
	if err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}

	return nil
}

// UploadFile implements core.Transport.
func (w *Worker) UploadFile(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.files[remotePath] = data
	w.uploads = append(w.uploads, remotePath)

	return nil
}

// RemoveFile implements core.Transport.
func (w *Worker) RemoveFile(_ context.Context, remotePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.files, remotePath)
	w.removed = append(w.removed, remotePath)

	return nil
}

// Close implements core.Transport.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closes++

	return nil
}

// storeAudio places audio bytes at the result's path. Caller holds w.mu.
func (w *Worker) storeAudio(result protocol.Result) {
	if result.Status != protocol.StatusCompleted || result.AudioPath == "" {
		return
	}

	w.files[result.AudioPath] = make([]byte, result.AudioSizeBytes)
}

// Fleet is a Dialer over a set of fake workers.
type Fleet struct {
	mu      sync.Mutex
	workers map[string]*Worker
}

// NewFleet creates a dialer for the given workers.
func NewFleet(workers ...*Worker) *Fleet {
	fleet := &Fleet{mu: sync.Mutex{}, workers: make(map[string]*Worker)}
	for _, worker := range workers {
		fleet.workers[worker.Name] = worker
	}

	return fleet
}

// Dial implements core.Dialer.
func (f *Fleet) Dial(_ context.Context, endpoint core.Endpoint) (core.Transport, error) {
	f.mu.Lock()
	worker, ok := f.workers[endpoint.Name]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s: %w", endpoint.Name, ErrInjected)
	}

	worker.mu.Lock()
	defer worker.mu.Unlock()

	if worker.dialErr != nil {
		return nil, worker.dialErr
	}

	worker.dials++

	return &Session{worker: worker, closed: make(chan struct{}), once: sync.Once{}}, nil
}

// Session is one dialed connection to a fake worker. Closing it fails the
// result fetches still waiting on it, like a dropped remote session.
type Session struct {
	worker *Worker
	closed chan struct{}
	once   sync.Once
}

// Probe implements core.Transport.
func (s *Session) Probe(ctx context.Context) (protocol.StatusReply, error) {
	return s.worker.Probe(ctx)
}

// SendJob implements core.Transport.
func (s *Session) SendJob(ctx context.Context, job protocol.Job) error {
	return s.worker.SendJob(ctx, job)
}

// FetchResult implements core.Transport.
func (s *Session) FetchResult(ctx context.Context, jobID string) (protocol.Result, error) {
	return s.worker.fetchResult(ctx, jobID, s.closed)
}

// FetchFile implements core.Transport.
func (s *Session) FetchFile(ctx context.Context, remotePath, localPath string) error {
	return s.worker.FetchFile(ctx, remotePath, localPath)
}

// UploadFile implements core.Transport.
func (s *Session) UploadFile(ctx context.Context, localPath, remotePath string) error {
	return s.worker.UploadFile(ctx, localPath, remotePath)
}

// RemoveFile implements core.Transport.
func (s *Session) RemoveFile(ctx context.Context, remotePath string) error {
	return s.worker.RemoveFile(ctx, remotePath)
}

// Close implements core.Transport.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.closed)

		_ = s.worker.Close()
	})

	return nil
}
