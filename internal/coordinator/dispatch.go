package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/tts-coordinator/internal/connection"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/book-expert/tts-coordinator/internal/session"
)

type outcomeKind int

const (
	outcomeSent outcomeKind = iota
	outcomeResult
	outcomeTransfer
	outcomeProbe
)

// outcome is what a network goroutine reports back to the loop.
type outcome struct {
	kind      outcomeKind
	seq       uint64
	jobID     string
	coord     session.Coord
	worker    string
	lease     *connection.Lease
	result    protocol.Result
	localPath string
	sizeBytes int64
	audioKey  string
	err       error
}

// attempt is one Dispatched chunk awaiting its result.
type attempt struct {
	seq          uint64
	jobID        string
	coord        session.Coord
	worker       string
	dispatchedAt time.Time
	deadline     time.Time
	cancel       context.CancelFunc
	transferring bool
}

// candidate is a worker with free capacity.
type candidate struct {
	name      string
	priority  int
	available int
}

// rankWorkers lists Ready workers outside connection backoff that have free
// slots, best first: ascending priority, then most free slots.
func (c *Coordinator) rankWorkers() []candidate {
	var ranked []candidate

	for _, worker := range c.deps.Registry.List() {
		if worker.Health != registry.HealthReady {
			continue
		}

		available := worker.AvailableSlots() - c.reserved[worker.Name]
		if available <= 0 {
			continue
		}

		if !c.deps.Connections.Eligible(worker.Name) {
			continue
		}

		ranked = append(ranked, candidate{name: worker.Name, priority: worker.Priority, available: available})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].priority != ranked[j].priority {
			return ranked[i].priority < ranked[j].priority
		}

		if ranked[i].available != ranked[j].available {
			return ranked[i].available > ranked[j].available
		}

		return ranked[i].name < ranked[j].name
	})

	return ranked
}

// nextPending returns the earliest Pending chunk, in chapter-then-chunk
// order, that is not already being sent.
func (c *Coordinator) nextPending() (session.Coord, bool) {
	var (
		next  session.Coord
		found bool
	)

	c.sess.Each(func(chunk *session.Chunk) bool {
		if chunk.Status != session.StatusPending {
			return true
		}

		if _, sending := c.sending[chunk.Coord()]; sending {
			return true
		}

		next = chunk.Coord()
		found = true

		return false
	})

	return next, found
}

// dispatch hands out pending chunks while any worker has a free slot.
func (c *Coordinator) dispatch() {
	for {
		ranked := c.rankWorkers()
		if len(ranked) == 0 {
			return
		}

		coord, ok := c.nextPending()
		if !ok {
			return
		}

		c.launchSend(coord, ranked[0].name)
	}
}

// launchSend reserves a slot on the worker and sends the job in the
// background. The chunk stays Pending until the send succeeds.
func (c *Coordinator) launchSend(coord session.Coord, worker string) {
	chunk, err := c.sess.Chunk(coord)
	if err != nil {
		c.log.Error("Cannot dispatch %s: %v", coord, err)

		return
	}

	job := protocol.NewJob(c.sess.ID, coord.ChapterID, coord.ChunkID, chunk.Text, chunk.Options, c.now())

	c.seq++
	seq := c.seq
	c.sending[coord] = seq
	c.reserved[worker]++

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.outcomes <- c.send(seq, coord, worker, job)
	}()
}

func (c *Coordinator) send(seq uint64, coord session.Coord, worker string, job protocol.Job) outcome {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TransferTimeout)
	defer cancel()

	out := outcome{
		kind:      outcomeSent,
		seq:       seq,
		jobID:     job.JobID,
		coord:     coord,
		worker:    worker,
		lease:     nil,
		result:    protocol.Result{},
		localPath: "",
		sizeBytes: 0,
		audioKey:  "",
		err:       nil,
	}

	err := c.deps.Connections.EnsureVoiceRef(ctx, worker, job.Options.VoiceRef(), c.voicePath)
	if err != nil {
		out.err = err

		return out
	}

	lease, err := c.deps.Connections.Acquire(ctx, worker)
	if err != nil {
		out.err = err

		return out
	}

	err = lease.SendJob(ctx, job)
	if err != nil {
		out.err = fmt.Errorf("%w: send %s to %s: %w", connection.ErrTransport, job.JobID, worker, err)
		lease.Fail(out.err)
		lease.Release()

		return out
	}

	out.lease = lease

	return out
}

// lostConnection reports whether a fetch error means the session itself
// broke, as opposed to a bad payload or the attempt's own deadline.
func lostConnection(err error) bool {
	return !errors.Is(err, protocol.ErrProtocol) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled)
}

// handleSent marks a successfully sent chunk Dispatched, takes the worker
// slot and starts waiting for the result. A failed send leaves the chunk
// Pending with its retry count untouched.
func (c *Coordinator) handleSent(out outcome) error {
	delete(c.sending, out.coord)
	c.reserved[out.worker]--

	if out.err != nil {
		c.log.Warn("Dispatch of %s to %s failed, chunk stays pending: %v", out.jobID, out.worker, out.err)
		c.deps.Metrics.SendFailed(out.worker)
		c.record(out.coord, out.worker, "send_failed", out.err.Error())

		return nil
	}

	now := c.now()

	lease := out.lease

	err := c.commit(out.coord, func(chunk *session.Chunk) error {
		transitionErr := chunk.Transition(session.StatusDispatched)
		if transitionErr != nil {
			return transitionErr
		}

		chunk.Worker = out.worker
		dispatchedAt := now.UTC()
		chunk.DispatchedAt = &dispatchedAt

		return nil
	})
	if err != nil {
		lease.Release()

		return err
	}

	err = c.deps.Registry.AcquireSlot(out.worker)
	if err != nil {
		c.log.Error("Load accounting for %s is inconsistent: %v", out.worker, err)
	}

	timeout := c.jobTimeout(out.worker)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	att := &attempt{
		seq:          out.seq,
		jobID:        out.jobID,
		coord:        out.coord,
		worker:       out.worker,
		dispatchedAt: now,
		deadline:     now.Add(timeout),
		cancel:       cancel,
		transferring: false,
	}
	c.inflight[out.jobID] = att

	c.deps.Metrics.JobDispatched(out.worker)
	c.deps.Metrics.InFlight(1)
	c.workerStats(out.worker).Dispatched++
	c.record(out.coord, out.worker, "dispatched", out.jobID)
	c.log.Info("Dispatched %s to %s", out.jobID, out.worker)

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		result, fetchErr := lease.FetchResult(ctx, out.jobID)
		if fetchErr != nil && lostConnection(fetchErr) {
			lease.Fail(fmt.Errorf("%w: await result of %s from %s: %w", connection.ErrTransport, out.jobID, out.worker, fetchErr))
		}

		lease.Release()

		collected := out
		collected.kind = outcomeResult
		collected.lease = nil
		collected.result = result
		collected.err = fetchErr
		c.outcomes <- collected
	}()

	return nil
}

func (c *Coordinator) jobTimeout(worker string) time.Duration {
	w, ok := c.deps.Registry.Get(worker)
	if ok && w.JobTimeout > 0 {
		return w.JobTimeout
	}

	return c.cfg.JobTimeout
}

// reprobe periodically probes workers that are not Ready so that excluded
// or unknown workers can rejoin the pool.
func (c *Coordinator) reprobe(ctx context.Context) {
	now := c.now()
	if now.Sub(c.lastProbe) < c.cfg.ProbeInterval {
		return
	}

	c.lastProbe = now

	for _, worker := range c.deps.Registry.List() {
		if worker.Health == registry.HealthReady || c.probing[worker.Name] {
			continue
		}

		if !c.deps.Connections.Eligible(worker.Name) {
			continue
		}

		c.probing[worker.Name] = true
		c.wg.Add(1)

		go func(name string) {
			defer c.wg.Done()

			err := c.deps.Prober.Probe(ctx, name)
			c.outcomes <- outcome{
				kind:      outcomeProbe,
				seq:       0,
				jobID:     "",
				coord:     session.Coord{},
				worker:    name,
				lease:     nil,
				result:    protocol.Result{},
				localPath: "",
				sizeBytes: 0,
				audioKey:  "",
				err:       err,
			}
		}(worker.Name)
	}
}
