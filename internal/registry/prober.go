package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/connection"
)

// ErrProbeDeferred is returned when a worker is still inside its connection
// backoff window. Its health is left unchanged.
var ErrProbeDeferred = errors.New("probe deferred by connection backoff")

// ErrNotReady is returned when a worker answers but reports it cannot take jobs.
var ErrNotReady = errors.New("worker reported not ready")

// Opener leases live transports and is told when a worker answered.
type Opener interface {
	Eligible(name string) bool
	Acquire(ctx context.Context, name string) (*connection.Lease, error)
	RecordSuccess(name string)
}

// Prober refreshes worker health with lightweight status queries.
type Prober struct {
	registry *Registry
	opener   Opener
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewProber creates a prober. Every probe is bounded by timeout.
func NewProber(reg *Registry, opener Opener, timeout time.Duration, log *logger.Logger) *Prober {
	return &Prober{
		registry: reg,
		opener:   opener,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

// Probe queries one worker and records Ready or Unreachable.
func (p *Prober) Probe(ctx context.Context, name string) error {
	if _, ok := p.registry.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}

	if !p.opener.Eligible(name) {
		return fmt.Errorf("%w: %s", ErrProbeDeferred, name)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	lease, err := p.opener.Acquire(probeCtx, name)
	if err != nil {
		p.fail(name, err)

		return err
	}

	defer lease.Release()

	reply, err := lease.Probe(probeCtx)
	if err != nil {
		lease.Fail(err)
		p.fail(name, err)

		return fmt.Errorf("probe %s: %w", name, err)
	}

	p.opener.RecordSuccess(name)

	err = p.registry.RecordProbe(name, reply, p.now())
	if err != nil {
		return err
	}

	if !reply.Ready {
		p.log.Warn("Worker %s answered the probe but is not ready (device=%s)", name, reply.Device)

		return fmt.Errorf("%w: %s", ErrNotReady, name)
	}

	p.log.Info("Worker %s is ready on %s with %d job(s) in progress", name, reply.Device, reply.JobsInProgress)

	return nil
}

// ProbeAll probes every registered worker concurrently and returns the
// per-worker outcome.
func (p *Prober) ProbeAll(ctx context.Context) map[string]error {
	workers := p.registry.List()
	results := make(map[string]error, len(workers))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, worker := range workers {
		wg.Add(1)

		go func(name string) {
			defer wg.Done()

			err := p.Probe(ctx, name)

			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(worker.Name)
	}

	wg.Wait()

	return results
}

func (p *Prober) fail(name string, cause error) {
	err := p.registry.MarkUnreachable(name)
	if err != nil {
		p.log.Warn("Could not mark worker %s unreachable: %v", name, err)

		return
	}

	p.log.Warn("Worker %s is unreachable: %v", name, cause)
}
