// Package natstransport reaches workers over NATS request/reply. Each worker
// listens on <prefix>.<worker>.status and <prefix>.<worker>.run and publishes
// results on <prefix>.<worker>.result.<job_id>. Files travel through a
// JetStream object store under keys namespaced by worker.
package natstransport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "tts.worker"

// AckOK is the reply a worker sends when it accepts a job.
const AckOK = "ok"

const (
	statusToken    = "status"
	runToken       = "run"
	resultToken    = "result"
	dirPermissions = 0o750
	filePerms      = 0o640
)

var (
	// ErrRejected is returned when a worker refuses a job.
	ErrRejected = errors.New("worker rejected job")
	// ErrUnknownJob is returned when fetching a result for a job never sent
	// over this transport.
	ErrUnknownJob = errors.New("job not sent on this transport")
)

// FileStore is the object store surface the transport needs.
type FileStore interface {
	core.ObjectStore
	Delete(ctx context.Context, key string) error
}

// StatusSubject is where a worker answers status probes.
func StatusSubject(prefix, worker string) string {
	return prefix + "." + worker + "." + statusToken
}

// RunSubject is where a worker accepts jobs.
func RunSubject(prefix, worker string) string {
	return prefix + "." + worker + "." + runToken
}

// ResultSubject is where a worker publishes the result of one job.
func ResultSubject(prefix, worker, jobID string) string {
	return prefix + "." + worker + "." + resultToken + "." + jobID
}

// ObjectKey namespaces a worker-side path inside the shared object store.
func ObjectKey(worker, remotePath string) string {
	return worker + "/" + remotePath
}

// Dialer hands out transports sharing one NATS connection.
type Dialer struct {
	conn   *nats.Conn
	files  FileStore
	prefix string
	log    *logger.Logger
}

// NewDialer creates a Dialer.
func NewDialer(conn *nats.Conn, files FileStore, prefix string, log *logger.Logger) *Dialer {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Dialer{conn: conn, files: files, prefix: prefix, log: log}
}

// Dial implements core.Dialer. The subject namespace is keyed by the worker
// name; host and port are not used.
func (d *Dialer) Dial(_ context.Context, endpoint core.Endpoint) (core.Transport, error) {
	if !d.conn.IsConnected() {
		return nil, fmt.Errorf("nats connection for worker %s: %w", endpoint.Name, nats.ErrConnectionClosed)
	}

	return &Transport{
		worker:  endpoint.Name,
		conn:    d.conn,
		files:   d.files,
		prefix:  d.prefix,
		log:     d.log,
		mu:      sync.Mutex{},
		pending: make(map[string]*nats.Subscription),
	}, nil
}

// Transport talks to one worker over NATS.
type Transport struct {
	worker string
	conn   *nats.Conn
	files  FileStore
	prefix string
	log    *logger.Logger

	mu      sync.Mutex
	pending map[string]*nats.Subscription
}

// Probe implements core.Transport.
func (t *Transport) Probe(ctx context.Context) (protocol.StatusReply, error) {
	msg, err := t.conn.RequestWithContext(ctx, StatusSubject(t.prefix, t.worker), nil)
	if err != nil {
		return protocol.StatusReply{}, fmt.Errorf("status request to %s: %w", t.worker, err)
	}

	return protocol.DecodeStatus(msg.Data)
}

// SendJob implements core.Transport. The result subscription is opened
// before the job is sent so a fast worker cannot outrun it.
func (t *Transport) SendJob(ctx context.Context, job protocol.Job) error {
	payload, err := job.Encode()
	if err != nil {
		return err
	}

	sub, err := t.conn.SubscribeSync(ResultSubject(t.prefix, t.worker, job.JobID))
	if err != nil {
		return fmt.Errorf("subscribe for result of %s: %w", job.JobID, err)
	}

	msg, err := t.conn.RequestWithContext(ctx, RunSubject(t.prefix, t.worker), payload)
	if err != nil {
		_ = sub.Unsubscribe()

		return fmt.Errorf("run request to %s: %w", t.worker, err)
	}

	if string(msg.Data) != AckOK {
		_ = sub.Unsubscribe()

		return fmt.Errorf("%w: %s answered %q", ErrRejected, t.worker, string(msg.Data))
	}

	t.mu.Lock()
	if previous, ok := t.pending[job.JobID]; ok {
		t.log.Warn("Job %s resent to %s, dropping the earlier result subscription", job.JobID, t.worker)

		_ = previous.Unsubscribe()
	}
	t.pending[job.JobID] = sub
	t.mu.Unlock()

	return nil
}

// FetchResult implements core.Transport.
func (t *Transport) FetchResult(ctx context.Context, jobID string) (protocol.Result, error) {
	t.mu.Lock()
	sub, ok := t.pending[jobID]
	t.mu.Unlock()

	if !ok {
		return protocol.Result{}, fmt.Errorf("%w: %s on %s", ErrUnknownJob, jobID, t.worker)
	}

	defer func() {
		t.mu.Lock()
		if t.pending[jobID] == sub {
			delete(t.pending, jobID)
		}
		t.mu.Unlock()

		_ = sub.Unsubscribe()
	}()

	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("await result of %s: %w", jobID, err)
	}

	return protocol.DecodeResult(msg.Data)
}

// FetchFile implements core.Transport.
func (t *Transport) FetchFile(ctx context.Context, remotePath, localPath string) error {
	data, err := t.files.Download(ctx, ObjectKey(t.worker, remotePath))
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(localPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", localPath, err)
	}

	err = os.WriteFile(localPath, data, filePerms)
	if err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}

	return nil
}

// UploadFile implements core.Transport.
func (t *Transport) UploadFile(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	return t.files.Upload(ctx, ObjectKey(t.worker, remotePath), data)
}

// RemoveFile implements core.Transport.
func (t *Transport) RemoveFile(ctx context.Context, remotePath string) error {
	return t.files.Delete(ctx, ObjectKey(t.worker, remotePath))
}

// Close drops outstanding result subscriptions. The shared connection stays open.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error

	if len(t.pending) > 0 {
		t.log.Info("Closing NATS transport for %s with %d results outstanding", t.worker, len(t.pending))
	}

	for jobID, sub := range t.pending {
		err := sub.Unsubscribe()
		if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", jobID, err))
		}

		delete(t.pending, jobID)
	}

	return errors.Join(errs...)
}
