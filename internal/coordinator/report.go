package coordinator

import (
	"sort"
	"time"

	"github.com/book-expert/tts-coordinator/internal/session"
)

// WorkerStats summarizes one worker's share of a run.
type WorkerStats struct {
	Name       string
	Dispatched int
	Completed  int
	// Failed counts attempts that ended without usable audio, whether or
	// not the chunk was retried.
	Failed         int
	TotalSynthesis time.Duration
}

// AverageSynthesis is the mean time from dispatch to stored audio.
func (s WorkerStats) AverageSynthesis() time.Duration {
	if s.Completed == 0 {
		return 0
	}

	return s.TotalSynthesis / time.Duration(s.Completed)
}

// UnresolvedChunk names a chunk that did not reach Completed.
type UnresolvedChunk struct {
	Coord      session.Coord
	Status     session.ChunkStatus
	RetryCount int
	LastError  string
}

// Report is the end-of-run summary.
type Report struct {
	RunID       string
	SessionID   string
	State       session.State
	Progress    session.Progress
	Unresolved  []UnresolvedChunk
	Workers     []WorkerStats
	Interrupted bool
	Started     time.Time
	Finished    time.Time
}

// Elapsed is the wall time of the run.
func (r Report) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (c *Coordinator) report(started time.Time) Report {
	var unresolved []UnresolvedChunk

	c.sess.Each(func(chunk *session.Chunk) bool {
		if chunk.Status != session.StatusCompleted {
			unresolved = append(unresolved, UnresolvedChunk{
				Coord:      chunk.Coord(),
				Status:     chunk.Status,
				RetryCount: chunk.RetryCount,
				LastError:  chunk.LastError,
			})
		}

		return true
	})

	workers := make([]WorkerStats, 0, len(c.stats))
	for _, stats := range c.stats {
		workers = append(workers, *stats)
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

	return Report{
		RunID:       c.runID,
		SessionID:   c.sess.ID,
		State:       c.sess.State(),
		Progress:    c.sess.Progress(),
		Unresolved:  unresolved,
		Workers:     workers,
		Interrupted: c.stopping,
		Started:     started,
		Finished:    c.now(),
	}
}
