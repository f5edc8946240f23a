// Package coordinator schedules a session's chunks across the worker pool
// and collects their results.
//
// One goroutine, the loop, owns the session and every dispatch decision.
// Network work (sending jobs, waiting for results, downloading audio and
// probing workers) runs in separate goroutines that report back to the loop
// over a channel, so a slow worker never holds up the others.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/connection"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/fsutil"
	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/book-expert/tts-coordinator/internal/session"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Defaults used when a Config field is zero.
const (
	DefaultJobTimeout      = 300 * time.Second
	DefaultMaxRetries      = 3
	DefaultTickInterval    = 200 * time.Millisecond
	DefaultTransferWorkers = 4
	DefaultTransferTimeout = 300 * time.Second
	DefaultProbeInterval   = 30 * time.Second
	sideEffectTimeout      = 5 * time.Second
	outcomeBuffer          = 64
)

var (
	// ErrValidation marks a completed result whose audio is missing, empty
	// or unusable. It is handled exactly like a failed result.
	ErrValidation = errors.New("result validation failed")
	// ErrNoWorkers is returned when pending chunks remain but every worker
	// has been excluded.
	ErrNoWorkers = errors.New("no schedulable workers remain")
	// ErrPersist is returned when a session snapshot cannot be written. The
	// run stops because memory may no longer run ahead of disk.
	ErrPersist = errors.New("failed to persist session")
	// ErrMissingDependency is returned by New for an incomplete Deps.
	ErrMissingDependency = errors.New("missing coordinator dependency")
)

// Config tunes scheduling.
type Config struct {
	// JobTimeout bounds how long a dispatched chunk may go without a result.
	// A worker's own job timeout takes precedence.
	JobTimeout time.Duration
	// MaxRetries is the retry budget R. A chunk that fails with R retries
	// already spent becomes Failed.
	MaxRetries      int
	TickInterval    time.Duration
	TransferWorkers int
	TransferTimeout time.Duration
	ProbeInterval   time.Duration
}

// Connections is what the coordinator needs from the connection manager.
type Connections interface {
	Acquire(ctx context.Context, name string) (*connection.Lease, error)
	Eligible(name string) bool
	Excluded(name string) bool
	EnsureVoiceRef(ctx context.Context, name, hash, localPath string) error
}

// Prober refreshes worker health.
type Prober interface {
	Probe(ctx context.Context, name string) error
	ProbeAll(ctx context.Context) map[string]error
}

// Recorder receives scheduling metrics.
type Recorder interface {
	JobDispatched(worker string)
	SendFailed(worker string)
	JobCompleted(worker string, elapsed time.Duration)
	JobRetried(worker string)
	JobFailed(worker string)
	InFlight(delta int)
}

// Deps are the collaborators of a Coordinator. Archive, Publisher, Journal
// and Metrics are optional.
type Deps struct {
	Registry    *registry.Registry
	Connections Connections
	Prober      Prober
	Store       *session.Store
	Archive     core.ObjectStore
	Publisher   core.Publisher
	Journal     core.Journal
	Metrics     Recorder
	Log         *logger.Logger
}

// Coordinator drives one session to completion.
type Coordinator struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
	now  func() time.Time

	transfers *semaphore.Weighted
	outcomes  chan outcome
	wg        sync.WaitGroup

	// Loop-owned state.
	runID     string
	sess      *session.Session
	voicePath string
	seq       uint64
	sending   map[session.Coord]uint64
	reserved  map[string]int
	inflight  map[string]*attempt
	probing   map[string]bool
	lastProbe time.Time
	stopping  bool
	stats     map[string]*WorkerStats
}

// New creates a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("%w: registry", ErrMissingDependency)
	case deps.Connections == nil:
		return nil, fmt.Errorf("%w: connections", ErrMissingDependency)
	case deps.Prober == nil:
		return nil, fmt.Errorf("%w: prober", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: session store", ErrMissingDependency)
	case deps.Log == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	cfg = withDefaults(cfg)

	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}

	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}

	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}

	return &Coordinator{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		now:       time.Now,
		transfers: semaphore.NewWeighted(int64(cfg.TransferWorkers)),
		outcomes:  make(chan outcome, outcomeBuffer),
		wg:        sync.WaitGroup{},
	}, nil
}

// WithClock replaces the time source used for timestamps and deadlines.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now

	return c
}

func withDefaults(cfg Config) Config {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	if cfg.TransferWorkers <= 0 {
		cfg.TransferWorkers = DefaultTransferWorkers
	}

	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	return cfg
}

// Run schedules the session until no chunk is Pending or Dispatched, ctx is
// cancelled, or no worker remains schedulable. Cancelling ctx stops new
// dispatches; jobs already out are waited for up to their timeout and any
// that do not finish return to Pending.
//
// The session is owned by Run until it returns.
func (c *Coordinator) Run(ctx context.Context, sess *session.Session) (Report, error) {
	c.reset(sess)

	started := c.now()

	err := fsutil.EnsureDir(c.deps.Store.FragmentDir(sess.ID))
	if err != nil {
		return Report{}, fmt.Errorf("prepare fragment directory: %w", err)
	}

	c.log.Info("Run %s started for session %s (%d chunks pending)", c.runID, sess.ID, sess.Progress().Pending)

	for name, probeErr := range c.deps.Prober.ProbeAll(ctx) {
		if probeErr != nil {
			c.log.Warn("Initial probe of %s failed: %v", name, probeErr)
		}
	}

	c.lastProbe = c.now()

	probeCtx, cancelProbes := context.WithCancel(ctx)
	runErr := c.loop(ctx, probeCtx)

	cancelProbes()
	c.drain()

	report := c.report(started)

	if runErr != nil {
		c.log.Error("Run %s for session %s stopped: %v", c.runID, sess.ID, runErr)
	} else {
		c.log.Info("Run %s for session %s finished: %d/%d completed, %d failed",
			c.runID, sess.ID, report.Progress.Completed, report.Progress.Total, report.Progress.Failed)
	}

	return report, runErr
}

func (c *Coordinator) reset(sess *session.Session) {
	c.runID = uuid.NewString()
	c.sess = sess
	c.voicePath = sess.VoiceRefPath
	c.seq = 0
	c.sending = make(map[session.Coord]uint64)
	c.reserved = make(map[string]int)
	c.inflight = make(map[string]*attempt)
	c.probing = make(map[string]bool)
	c.stopping = false
	c.stats = make(map[string]*WorkerStats)
}

func (c *Coordinator) loop(ctx, probeCtx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	done := ctx.Done()

	for {
		if !c.stopping {
			c.dispatch()
		}

		finished, err := c.finished()
		if finished {
			return err
		}

		select {
		case <-done:
			c.log.Warn("Run %s interrupted: no new dispatches, waiting for %d job(s) in flight", c.runID, len(c.inflight))
			c.stopping = true
			done = nil

		case out := <-c.outcomes:
			err = c.apply(out)
			if err != nil {
				return err
			}

		case <-ticker.C:
			err = c.expire()
			if err != nil {
				return err
			}

			if !c.stopping {
				c.reprobe(probeCtx)
			}
		}
	}
}

func (c *Coordinator) finished() (bool, error) {
	if len(c.sending) > 0 || len(c.inflight) > 0 {
		return false, nil
	}

	if c.stopping {
		return true, nil
	}

	if c.sess.Progress().Pending == 0 {
		return true, nil
	}

	if c.stalled() {
		return true, ErrNoWorkers
	}

	return false, nil
}

// stalled reports whether every registered worker is terminally excluded.
func (c *Coordinator) stalled() bool {
	for _, worker := range c.deps.Registry.List() {
		if !c.deps.Connections.Excluded(worker.Name) {
			return false
		}
	}

	return true
}

// drain abandons outstanding attempts and waits for every goroutine,
// discarding their outcomes. Attempts are only left over when the run
// stopped on an error.
func (c *Coordinator) drain() {
	for _, att := range c.inflight {
		c.release(att)
	}

	finished := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(finished)
	}()

	for {
		select {
		case out := <-c.outcomes:
			c.discard(out)
		case <-finished:
			return
		}
	}
}

func (c *Coordinator) apply(out outcome) error {
	switch out.kind {
	case outcomeSent:
		return c.handleSent(out)
	case outcomeResult:
		return c.handleResult(out)
	case outcomeTransfer:
		return c.handleTransfer(out)
	case outcomeProbe:
		delete(c.probing, out.worker)

		if out.err == nil {
			c.log.Info("Worker %s is schedulable again", out.worker)
		}
	}

	return nil
}

// commit applies mutate to the chunk, writes the snapshot and only then
// updates the in-memory session.
func (c *Coordinator) commit(coord session.Coord, mutate func(chunk *session.Chunk) error) error {
	snapshot := c.sess.Clone()

	target, err := snapshot.Chunk(coord)
	if err != nil {
		return err
	}

	err = mutate(target)
	if err != nil {
		return err
	}

	snapshot.UpdatedAt = c.now().UTC()

	err = c.deps.Store.Save(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	live, err := c.sess.Chunk(coord)
	if err != nil {
		return err
	}

	*live = *target
	c.sess.UpdatedAt = snapshot.UpdatedAt

	return nil
}

func (c *Coordinator) record(coord session.Coord, worker, kind, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	err := c.deps.Journal.Record(ctx, core.JournalEntry{
		SessionID: c.sess.ID,
		ChapterID: coord.ChapterID,
		ChunkID:   coord.ChunkID,
		Worker:    worker,
		Type:      kind,
		Detail:    detail,
	})
	if err != nil {
		c.log.Warn("Failed to journal %s for chunk %s: %v", kind, coord, err)
	}
}

func (c *Coordinator) workerStats(name string) *WorkerStats {
	stats, ok := c.stats[name]
	if !ok {
		stats = &WorkerStats{Name: name, Dispatched: 0, Completed: 0, Failed: 0, TotalSynthesis: 0}
		c.stats[name] = stats
	}

	return stats
}

type nopPublisher struct{}

func (nopPublisher) ChunkCompleted(context.Context, core.ChunkEvent) error { return nil }

type nopJournal struct{}

func (nopJournal) Record(context.Context, core.JournalEntry) error { return nil }

type nopRecorder struct{}

func (nopRecorder) JobDispatched(string)               {}
func (nopRecorder) SendFailed(string)                  {}
func (nopRecorder) JobCompleted(string, time.Duration) {}
func (nopRecorder) JobRetried(string)                  {}
func (nopRecorder) JobFailed(string)                   {}
func (nopRecorder) InFlight(int)                       {}
