package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/fsutil"
	"github.com/book-expert/tts-coordinator/internal/objectstore"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/session"
)

const partSuffixFmt = "%s.%d.part"

// current returns the in-flight attempt an outcome belongs to. Outcomes from
// attempts that already timed out or were resolved are stale.
func (c *Coordinator) current(out outcome) (*attempt, bool) {
	att, ok := c.inflight[out.jobID]
	if !ok || att.seq != out.seq {
		return nil, false
	}

	return att, true
}

// handleResult applies a result received for a dispatched chunk.
func (c *Coordinator) handleResult(out outcome) error {
	att, ok := c.current(out)
	if !ok {
		c.log.Warn("Ignoring result for %s from %s: no matching attempt in flight", out.jobID, out.worker)
		c.record(out.coord, out.worker, "stale_result", out.jobID)

		return nil
	}

	if att.transferring {
		c.log.Warn("Ignoring duplicate result for %s: audio already being fetched", out.jobID)

		return nil
	}

	if out.err != nil {
		switch {
		case errors.Is(out.err, protocol.ErrProtocol):
			// The message is discarded; the attempt runs out its timeout.
			c.log.Error("Discarding malformed result for %s from %s: %v", out.jobID, out.worker, out.err)

			return nil
		case errors.Is(out.err, context.DeadlineExceeded):
			return c.resolveLost(att, "no result within job timeout", true)
		case errors.Is(out.err, context.Canceled):
			return nil
		default:
			return c.requeue(att, out.err.Error())
		}
	}

	if out.result.JobID != out.jobID {
		c.log.Error("Discarding result from %s: awaited %s but got %s: %v",
			out.worker, out.jobID, out.result.JobID, protocol.ErrProtocol)
		c.record(out.coord, out.worker, "protocol_error", "result for "+out.result.JobID)

		return nil
	}

	return c.applyResult(out.result)
}

// applyResult applies a worker result to the matching in-flight chunk.
// Results for unknown jobs, other sessions or chunks that are no longer
// Dispatched are logged and ignored, so applying a result twice has no
// further effect.
func (c *Coordinator) applyResult(result protocol.Result) error {
	att, ok := c.inflight[result.JobID]
	if !ok || result.SessionID() != c.sess.ID {
		c.log.Warn("Ignoring result for unknown or finished job %s", result.JobID)

		return nil
	}

	if att.transferring {
		c.log.Warn("Ignoring duplicate result for %s: audio already being fetched", result.JobID)

		return nil
	}

	switch result.Status {
	case protocol.StatusFailed:
		return c.resolveLost(att, "worker reported failure: "+result.ErrorMessage(), false)

	case protocol.StatusCompleted:
		err := validateResult(result)
		if err != nil {
			return c.resolveLost(att, err.Error(), false)
		}

		att.transferring = true
		att.cancel()
		c.launchTransfer(att, result)

		return nil

	default:
		return c.resolveLost(att, fmt.Sprintf("unknown result status %q", result.Status), false)
	}
}

func validateResult(result protocol.Result) error {
	if result.AudioSizeBytes <= 0 {
		return fmt.Errorf("%w: %s reported %d audio bytes", ErrValidation, result.JobID, result.AudioSizeBytes)
	}

	if result.AudioPath == "" || !fsutil.IsValidAudioFile(result.AudioPath) {
		return fmt.Errorf("%w: %s has no usable audio path %q", ErrValidation, result.JobID, result.AudioPath)
	}

	return nil
}

// launchTransfer downloads the audio on the bounded transfer pool.
func (c *Coordinator) launchTransfer(att *attempt, result protocol.Result) {
	final := c.deps.Store.FragmentPath(c.sess.ID, att.jobID)
	part := fmt.Sprintf(partSuffixFmt, final, att.seq)
	sessionID := c.sess.ID

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.outcomes <- c.transfer(att.seq, att.coord, att.worker, sessionID, result, part)
	}()
}

func (c *Coordinator) transfer(
	seq uint64,
	coord session.Coord,
	worker, sessionID string,
	result protocol.Result,
	part string,
) outcome {
	out := outcome{
		kind:      outcomeTransfer,
		seq:       seq,
		jobID:     result.JobID,
		coord:     coord,
		worker:    worker,
		lease:     nil,
		result:    result,
		localPath: part,
		sizeBytes: 0,
		audioKey:  "",
		err:       nil,
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TransferTimeout)
	defer cancel()

	err := c.transfers.Acquire(ctx, 1)
	if err != nil {
		out.err = fmt.Errorf("%w: waiting for transfer slot: %w", ErrValidation, err)

		return out
	}
	defer c.transfers.Release(1)

	lease, err := c.deps.Connections.Acquire(ctx, worker)
	if err != nil {
		out.err = fmt.Errorf("%w: audio for %s unreachable: %w", ErrValidation, result.JobID, err)

		return out
	}
	defer lease.Release()

	err = lease.FetchFile(ctx, result.AudioPath, part)
	if err != nil {
		out.err = fmt.Errorf("%w: fetch audio for %s: %w", ErrValidation, result.JobID, err)

		return out
	}

	info, err := os.Stat(part)
	if err != nil || info.Size() == 0 {
		out.err = fmt.Errorf("%w: fetched audio for %s is empty", ErrValidation, result.JobID)

		return out
	}

	out.sizeBytes = info.Size()

	c.cleanupRemote(ctx, lease, worker, result)
	out.audioKey = c.archive(ctx, sessionID, result.JobID, part)

	return out
}

// cleanupRemote deletes the worker's copy of the audio and result files.
func (c *Coordinator) cleanupRemote(ctx context.Context, transport core.Transport, worker string, result protocol.Result) {
	for _, remote := range []string{result.AudioPath, protocol.ResultPath(result.JobID)} {
		err := transport.RemoveFile(ctx, remote)
		if err != nil {
			c.log.Warn("Failed to remove %s on %s: %v", remote, worker, err)
		}
	}
}

// archive copies the fragment to the object store when one is configured.
func (c *Coordinator) archive(ctx context.Context, sessionID, jobID, path string) string {
	if c.deps.Archive == nil {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("Failed to read fragment %s for archiving: %v", path, err)

		return ""
	}

	key := objectstore.FragmentKey(sessionID, jobID)

	err = c.deps.Archive.Upload(ctx, key, data)
	if err != nil {
		c.log.Warn("Failed to archive fragment %s: %v", key, err)

		return ""
	}

	return key
}

// handleTransfer completes a chunk whose audio is now local. The snapshot
// records Completed before memory does.
func (c *Coordinator) handleTransfer(out outcome) error {
	att, ok := c.current(out)
	if !ok {
		c.discard(out)

		return nil
	}

	if out.err != nil {
		c.removePart(out.localPath)

		return c.resolveLost(att, out.err.Error(), false)
	}

	final := c.deps.Store.FragmentPath(c.sess.ID, att.jobID)

	err := os.Rename(out.localPath, final)
	if err != nil {
		c.removePart(out.localPath)

		return c.resolveLost(att, fmt.Sprintf("%v: store fragment: %v", ErrValidation, err), false)
	}

	now := c.now()

	err = c.commit(att.coord, func(chunk *session.Chunk) error {
		transitionErr := chunk.Transition(session.StatusCompleted)
		if transitionErr != nil {
			return transitionErr
		}

		completedAt := now.UTC()
		chunk.OutputPath = final
		chunk.DurationMS = out.result.DurationMS
		chunk.AudioSizeBytes = out.sizeBytes
		chunk.AudioKey = out.audioKey
		chunk.CompletedAt = &completedAt
		chunk.LastError = ""

		return nil
	})
	if err != nil {
		return err
	}

	elapsed := now.Sub(att.dispatchedAt)
	c.release(att)

	stats := c.workerStats(att.worker)
	stats.Completed++
	stats.TotalSynthesis += elapsed

	c.deps.Metrics.JobCompleted(att.worker, elapsed)
	c.record(att.coord, att.worker, "completed", fmt.Sprintf("%d ms of audio", out.result.DurationMS))
	c.publish(att, out)

	progress := c.sess.Progress()
	c.log.Info("Completed %s on %s (%d/%d, %.1f%%)",
		att.jobID, att.worker, progress.Completed, progress.Total, progress.Percent())

	return nil
}

func (c *Coordinator) publish(att *attempt, out outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	progress := c.sess.Progress()

	err := c.deps.Publisher.ChunkCompleted(ctx, core.ChunkEvent{
		SessionID:   c.sess.ID,
		ChapterID:   att.coord.ChapterID,
		ChunkID:     att.coord.ChunkID,
		TotalChunks: progress.Total,
		Completed:   progress.Completed,
		Worker:      att.worker,
		AudioKey:    out.audioKey,
		DurationMS:  out.result.DurationMS,
	})
	if err != nil {
		c.log.Warn("Failed to publish completion of %s: %v", att.jobID, err)
	}
}

// resolveLost ends an attempt that produced no usable audio. The chunk
// returns to Pending while retries remain and becomes Failed otherwise.
// An unresolved attempt, one that never produced any result, always returns
// to Pending during shutdown so the next run resumes it.
func (c *Coordinator) resolveLost(att *attempt, reason string, unresolved bool) error {
	c.release(att)

	chunk, err := c.sess.Chunk(att.coord)
	if err != nil {
		return err
	}

	exhausted := chunk.RetryCount >= c.cfg.MaxRetries && !(unresolved && c.stopping)

	err = c.commit(att.coord, func(target *session.Chunk) error {
		target.LastError = reason

		if exhausted {
			return target.Transition(session.StatusFailed)
		}

		transitionErr := target.Transition(session.StatusPending)
		if transitionErr != nil {
			return transitionErr
		}

		target.RetryCount++
		target.Worker = ""
		target.DispatchedAt = nil

		return nil
	})
	if err != nil {
		return err
	}

	stats := c.workerStats(att.worker)
	stats.Failed++

	if exhausted {
		c.deps.Metrics.JobFailed(att.worker)
		c.record(att.coord, att.worker, "failed", reason)
		c.log.Error("Chunk %s failed permanently after %d retries: %s", att.coord, chunk.RetryCount, reason)

		return nil
	}

	c.deps.Metrics.JobRetried(att.worker)
	c.record(att.coord, att.worker, "retry", reason)
	c.log.Warn("Chunk %s returned to pending (retry %d/%d): %s", att.coord, chunk.RetryCount, c.cfg.MaxRetries, reason)

	return nil
}

// requeue returns a chunk to Pending after the connection carrying its
// attempt broke. The worker never judged the job, so no retry is charged.
func (c *Coordinator) requeue(att *attempt, reason string) error {
	c.release(att)

	err := c.commit(att.coord, func(target *session.Chunk) error {
		transitionErr := target.Transition(session.StatusPending)
		if transitionErr != nil {
			return transitionErr
		}

		target.LastError = reason
		target.Worker = ""
		target.DispatchedAt = nil

		return nil
	})
	if err != nil {
		return err
	}

	c.record(att.coord, att.worker, "requeued", reason)
	c.log.Warn("Chunk %s returned to pending after losing its connection to %s: %s", att.coord, att.worker, reason)

	return nil
}

// release frees the worker slot held by an attempt. It runs exactly once
// per attempt because the attempt leaves inflight here.
func (c *Coordinator) release(att *attempt) {
	att.cancel()
	delete(c.inflight, att.jobID)

	err := c.deps.Registry.ReleaseSlot(att.worker)
	if err != nil {
		c.log.Error("Load accounting for %s is inconsistent: %v", att.worker, err)
	}

	c.deps.Metrics.InFlight(-1)
}

// expire resolves attempts whose deadline passed without a result.
func (c *Coordinator) expire() error {
	now := c.now()

	var expired []*attempt

	for _, att := range c.inflight {
		if !att.transferring && now.After(att.deadline) {
			expired = append(expired, att)
		}
	}

	for _, att := range expired {
		err := c.resolveLost(att, fmt.Sprintf("no result within %s", att.deadline.Sub(att.dispatchedAt).Round(time.Second)), true)
		if err != nil {
			return err
		}
	}

	return nil
}

// discard drops an outcome that no longer matters, cleaning up any partial
// download it left behind.
func (c *Coordinator) discard(out outcome) {
	if out.lease != nil {
		out.lease.Release()
	}

	if out.kind == outcomeTransfer {
		c.removePart(out.localPath)
	}

	if out.kind == outcomeProbe {
		delete(c.probing, out.worker)
	}
}

func (c *Coordinator) removePart(path string) {
	if path == "" {
		return
	}

	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("Failed to remove partial fragment %s: %v", path, err)
	}
}
