// Package worker runs on a worker host and serves the NATS transport: it
// answers status probes, accepts jobs, runs them through a Runner and
// publishes the results, moving audio through the shared object store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/natstransport"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	defaultJobTimeout = 10 * time.Minute
	statusTimeout     = 30 * time.Second
	dirPermissions    = 0o750
	filePermissions   = 0o640
)

var (
	// ErrNameEmpty indicates that the worker name is empty.
	ErrNameEmpty = errors.New("worker name cannot be empty")
	// ErrRunnerNil indicates that no runner was supplied.
	ErrRunnerNil = errors.New("runner cannot be nil")
)

// Runner executes jobs on the local machine.
type Runner interface {
	Status(ctx context.Context) (protocol.StatusReply, error)
	Run(ctx context.Context, job protocol.Job) (protocol.Result, error)
}

// Config describes one worker bridge.
type Config struct {
	Name       string
	Prefix     string
	Home       string
	JobTimeout time.Duration
}

// NatsWorker listens for jobs addressed to one worker name.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          natstransport.FileStore
	runner         Runner
	cfg            Config
	log            *logger.Logger
	inflight       sync.WaitGroup
}

// NewNatsWorker creates a new worker bridge.
func NewNatsWorker(
	natsConnection *nats.Conn,
	store natstransport.FileStore,
	runner Runner,
	cfg Config,
	log *logger.Logger,
) (*NatsWorker, error) {
	if cfg.Name == "" {
		return nil, ErrNameEmpty
	}

	if runner == nil {
		return nil, ErrRunnerNil
	}

	if cfg.Prefix == "" {
		cfg.Prefix = natstransport.DefaultPrefix
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve worker home: %w", err)
		}

		cfg.Home = home
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		store:          store,
		runner:         runner,
		cfg:            cfg,
		log:            log,
		inflight:       sync.WaitGroup{},
	}, nil
}

// Run subscribes and serves until ctx ends, then waits for running jobs.
func (w *NatsWorker) Run(ctx context.Context) error {
	statusSub, err := w.natsConnection.Subscribe(natstransport.StatusSubject(w.cfg.Prefix, w.cfg.Name), w.handleStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to status subject: %w", err)
	}

	runSub, err := w.natsConnection.Subscribe(natstransport.RunSubject(w.cfg.Prefix, w.cfg.Name), w.handleRun)
	if err != nil {
		_ = statusSub.Unsubscribe()

		return fmt.Errorf("failed to subscribe to run subject: %w", err)
	}

	w.log.Info("Worker %s serving on %s.%s.*", w.cfg.Name, w.cfg.Prefix, w.cfg.Name)

	<-ctx.Done()

	drainErr := errors.Join(statusSub.Drain(), runSub.Drain())

	w.inflight.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscriptions: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleStatus(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	status, err := w.runner.Status(ctx)
	if err != nil {
		w.log.Error("Status query failed: %v", err)

		return
	}

	data, err := json.Marshal(status)
	if err != nil {
		w.log.Error("Failed to marshal status: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to answer status probe: %v", err)
	}
}

func (w *NatsWorker) handleRun(msg *nats.Msg) {
	job, err := protocol.DecodeJob(msg.Data)
	if err != nil {
		w.log.Error("Rejecting malformed job: %v", err)

		respondErr := msg.Respond([]byte(err.Error()))
		if respondErr != nil {
			w.log.Error("Failed to reject job: %v", respondErr)
		}

		return
	}

	err = msg.Respond([]byte(natstransport.AckOK))
	if err != nil {
		w.log.Error("Failed to acknowledge job %s: %v", job.JobID, err)

		return
	}

	w.inflight.Add(1)

	go func() {
		defer w.inflight.Done()

		w.processJob(job)
	}()
}

// processJob runs one job and publishes its result.
func (w *NatsWorker) processJob(job protocol.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()

	result, err := w.runJob(ctx, job)
	if err != nil {
		w.log.Error("Job %s failed: %v", job.JobID, err)
		result = protocol.FailedResult(job.JobID, err.Error(), time.Now())
	}

	err = w.publishResult(result)
	if err != nil {
		w.log.Error("Failed to publish result for %s: %v", job.JobID, err)
	}
}

func (w *NatsWorker) runJob(ctx context.Context, job protocol.Job) (protocol.Result, error) {
	err := w.ensureVoiceRef(ctx, job.Options.VoiceRef())
	if err != nil {
		return protocol.Result{}, err
	}

	result, err := w.runner.Run(ctx, job)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("run job: %w", err)
	}

	if result.Status != protocol.StatusCompleted {
		return result, nil
	}

	localAudio := w.local(result.AudioPath)
	remotePath := protocol.OutputPath(job.JobID)

	data, err := os.ReadFile(localAudio)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("read audio for %s: %w", job.JobID, err)
	}

	err = w.store.Upload(ctx, natstransport.ObjectKey(w.cfg.Name, remotePath), data)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("upload audio for %s: %w", job.JobID, err)
	}

	removeErr := os.Remove(localAudio)
	if removeErr != nil {
		w.log.Warn("Failed to remove local audio '%s': %v", localAudio, removeErr)
	}

	result.AudioPath = remotePath
	result.AudioSizeBytes = int64(len(data))

	return result, nil
}

// ensureVoiceRef copies a voice reference uploaded by the coordinator into
// the local voices directory.
func (w *NatsWorker) ensureVoiceRef(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}

	remotePath := protocol.VoiceRefPath(hash)
	localPath := w.local(remotePath)

	_, err := os.Stat(localPath)
	if err == nil {
		return nil
	}

	data, err := w.store.Download(ctx, natstransport.ObjectKey(w.cfg.Name, remotePath))
	if err != nil {
		return fmt.Errorf("fetch voice reference %s: %w", hash, err)
	}

	err = os.MkdirAll(filepath.Dir(localPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("prepare voices directory: %w", err)
	}

	err = os.WriteFile(localPath, data, filePermissions)
	if err != nil {
		return fmt.Errorf("store voice reference %s: %w", hash, err)
	}

	return nil
}

func (w *NatsWorker) local(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(w.cfg.Home, path)
}

// publishResult marshals and publishes the job result.
func (w *NatsWorker) publishResult(result protocol.Result) error {
	data, err := result.Encode()
	if err != nil {
		return err
	}

	err = w.natsConnection.Publish(natstransport.ResultSubject(w.cfg.Prefix, w.cfg.Name, result.JobID), data)
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}

	return nil
}
