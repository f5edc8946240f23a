// Package connection owns the live transport sessions to workers. It dials
// lazily, applies per-worker exponential backoff after failures and tracks
// which voice references each worker already holds.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrTransport wraps connect, authentication and I/O failures.
	ErrTransport = errors.New("transport error")
	// ErrBackoff is returned while a worker waits out its backoff delay.
	ErrBackoff = errors.New("worker in connection backoff")
	// ErrExcluded is returned once a worker has failed too many times in a row.
	ErrExcluded = errors.New("worker excluded after repeated failures")
	// ErrUnknownWorker is returned when the directory has no such worker.
	ErrUnknownWorker = errors.New("unknown worker")
)

const backoffMultiplier = 2

// Directory resolves worker names and accepts health demotions.
type Directory interface {
	Endpoint(name string) (core.Endpoint, bool)
	MarkUnreachable(name string) error
}

// Options tunes backoff and exclusion.
type Options struct {
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	ExcludeAfter int
	GiveUpAfter  int
}

type workerState struct {
	dialMu   sync.Mutex
	voiceMu  sync.Mutex
	live     *session
	retired  map[*session]struct{}
	backoff  *backoff.ExponentialBackOff
	failures int
	retryAt  time.Time
	voices   map[string]bool
}

// Manager keeps at most one live transport per worker. Transports retired
// after a failure stay open until the leases holding them are released.
type Manager struct {
	dialer core.Dialer
	dir    Directory
	opts   Options
	log    *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*workerState
}

// NewManager creates a connection manager.
func NewManager(dialer core.Dialer, dir Directory, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		dir:    dir,
		opts:   opts,
		log:    log,
		now:    time.Now,
		mu:     sync.Mutex{},
		states: make(map[string]*workerState),
	}
}

// WithClock replaces the time source. Tests use it to step through backoff.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now

	return m
}

func (m *Manager) state(name string) *workerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[name]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = m.opts.BackoffBase
		bo.MaxInterval = m.opts.BackoffCap
		bo.Multiplier = backoffMultiplier
		bo.RandomizationFactor = 0
		bo.Reset()

		st = &workerState{
			dialMu:   sync.Mutex{},
			voiceMu:  sync.Mutex{},
			live:     nil,
			retired:  make(map[*session]struct{}),
			backoff:  bo,
			failures: 0,
			retryAt:  time.Time{},
			voices:   make(map[string]bool),
		}
		m.states[name] = st
	}

	return st
}

// Eligible reports whether a connection attempt to the worker is allowed now.
func (m *Manager) Eligible(name string) bool {
	return m.check(name) == nil
}

// Excluded reports whether the worker has exhausted its failure budget.
func (m *Manager) Excluded(name string) bool {
	return errors.Is(m.check(name), ErrExcluded)
}

// RetryAt reports when the worker leaves its backoff window.
func (m *Manager) RetryAt(name string) time.Time {
	st := m.state(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	return st.retryAt
}

// Failures reports the current run of consecutive failures.
func (m *Manager) Failures(name string) int {
	st := m.state(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	return st.failures
}

func (m *Manager) check(name string) error {
	st := m.state(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.GiveUpAfter > 0 && st.failures >= m.opts.GiveUpAfter {
		return fmt.Errorf("%w: %s (%d failures)", ErrExcluded, name, st.failures)
	}

	if m.now().Before(st.retryAt) {
		return fmt.Errorf("%w: %s until %s", ErrBackoff, name, st.retryAt.Format(time.RFC3339))
	}

	return nil
}

// Acquire leases the worker's live transport, dialing if none is live. The
// caller must Release the lease.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lease, error) {
	st := m.state(name)

	st.dialMu.Lock()
	defer st.dialMu.Unlock()

	m.mu.Lock()
	if st.live != nil {
		st.live.holds++
		live := st.live
		m.mu.Unlock()

		return m.lease(name, live), nil
	}
	m.mu.Unlock()

	err := m.check(name)
	if err != nil {
		return nil, err
	}

	endpoint, ok := m.dir.Endpoint(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}

	transport, err := m.dialer.Dial(ctx, endpoint)
	if err != nil {
		wrapped := fmt.Errorf("%w: dial %s: %w", ErrTransport, name, err)
		m.Penalize(name, wrapped)

		return nil, wrapped
	}

	live := &session{transport: transport, holds: 1, retired: false, closed: false}

	m.mu.Lock()
	st.live = live
	m.mu.Unlock()

	return m.lease(name, live), nil
}

func (m *Manager) lease(name string, sess *session) *Lease {
	return &Lease{
		Transport: sess.transport,
		mgr:       m,
		name:      name,
		sess:      sess,
		once:      sync.Once{},
	}
}

// Penalize records one connection failure, retires the live session and
// schedules the next allowed attempt.
func (m *Manager) Penalize(name string, cause error) {
	m.fail(name, nil, cause)
}

// fail counts a failure unless sess is given and already retired.
func (m *Manager) fail(name string, sess *session, cause error) bool {
	st := m.state(name)

	m.mu.Lock()

	if sess != nil && sess.retired {
		m.mu.Unlock()
		m.log.Info("Worker %s: further error on an already retired session: %v", name, cause)

		return false
	}

	st.failures++
	failures := st.failures
	delay := st.backoff.NextBackOff()
	st.retryAt = m.now().Add(delay)

	if sess == nil {
		sess = st.live
	}

	idle := m.retireLocked(st, sess)
	m.mu.Unlock()

	m.closeSession(name, idle)

	m.log.Warn("Connection failure %d for worker %s, next attempt in %s: %v", failures, name, delay, cause)

	if m.opts.ExcludeAfter > 0 && failures >= m.opts.ExcludeAfter {
		err := m.dir.MarkUnreachable(name)
		if err != nil {
			m.log.Warn("Could not mark worker %s unreachable: %v", name, err)
		}
	}

	return true
}

// retireLocked stops sess taking new leases and returns it when nothing
// holds it any more. Caller holds m.mu.
func (m *Manager) retireLocked(st *workerState, sess *session) *session {
	if sess == nil || sess.retired {
		return nil
	}

	sess.retired = true

	if st.live == sess {
		st.live = nil
	}

	if sess.holds > 0 {
		st.retired[sess] = struct{}{}

		return nil
	}

	sess.closed = true

	return sess
}

func (m *Manager) release(name string, sess *session) {
	st := m.state(name)

	m.mu.Lock()

	sess.holds--

	var idle *session

	if sess.retired && sess.holds <= 0 && !sess.closed {
		sess.closed = true
		delete(st.retired, sess)
		idle = sess
	}
	m.mu.Unlock()

	m.closeSession(name, idle)
}

func (m *Manager) closeSession(name string, sess *session) {
	if sess == nil {
		return
	}

	err := sess.transport.Close()
	if err != nil {
		m.log.Warn("Error closing session to %s: %v", name, err)
	}
}

// RecordSuccess clears the failure run and backoff for the worker.
func (m *Manager) RecordSuccess(name string) {
	st := m.state(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	st.failures = 0
	st.retryAt = time.Time{}
	st.backoff.Reset()
}

// Invalidate retires the live session without counting a failure.
func (m *Manager) Invalidate(name string) {
	st := m.state(name)

	m.mu.Lock()
	idle := m.retireLocked(st, st.live)
	m.mu.Unlock()

	m.closeSession(name, idle)
}

// EnsureVoiceRef uploads the voice reference to the worker unless this
// fingerprint is already known to be there.
func (m *Manager) EnsureVoiceRef(ctx context.Context, name, hash, localPath string) error {
	if hash == "" {
		return nil
	}

	st := m.state(name)

	st.voiceMu.Lock()
	defer st.voiceMu.Unlock()

	m.mu.Lock()
	cached := st.voices[hash]
	m.mu.Unlock()

	if cached {
		return nil
	}

	lease, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}

	defer lease.Release()

	err = lease.UploadFile(ctx, localPath, protocol.VoiceRefPath(hash))
	if err != nil {
		wrapped := fmt.Errorf("%w: upload voice reference %s to %s: %w", ErrTransport, hash, name, err)
		lease.Fail(wrapped)

		return wrapped
	}

	m.mu.Lock()
	st.voices[hash] = true
	m.mu.Unlock()

	m.log.Info("Uploaded voice reference %s to worker %s", hash, name)

	return nil
}

// HasVoiceRef reports whether the fingerprint is cached for the worker.
func (m *Manager) HasVoiceRef(name, hash string) bool {
	st := m.state(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	return st.voices[hash]
}

// Forget drops all state for a removed worker and closes its sessions.
func (m *Manager) Forget(name string) {
	m.mu.Lock()

	var open []*session
	if st, ok := m.states[name]; ok {
		open = detachLocked(st)
	}

	delete(m.states, name)
	m.mu.Unlock()

	for _, sess := range open {
		m.closeSession(name, sess)
	}
}

// detachLocked takes every open session away from st, held or not, and
// marks them closed. Caller holds m.mu.
func detachLocked(st *workerState) []*session {
	var open []*session

	if st.live != nil {
		open = append(open, st.live)
		st.live = nil
	}

	for sess := range st.retired {
		open = append(open, sess)
		delete(st.retired, sess)
	}

	for _, sess := range open {
		sess.retired = true
		sess.closed = true
	}

	return open
}

// Close tears down every session, including ones still leased.
func (m *Manager) Close() error {
	m.mu.Lock()
	open := make(map[string][]*session, len(m.states))

	for name, st := range m.states {
		open[name] = detachLocked(st)
	}
	m.mu.Unlock()

	var errs []error

	for name, sessions := range open {
		for _, sess := range sessions {
			err := sess.transport.Close()
			if err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}

	return errors.Join(errs...)
}
