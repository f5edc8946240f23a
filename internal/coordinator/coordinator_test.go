// Package coordinator_test drives the scheduler against in-memory workers.
package coordinator_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/connection"
	"github.com/book-expert/tts-coordinator/internal/coordinator"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/fakeworker"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/book-expert/tts-coordinator/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeadline = 20 * time.Second

type workerSpec struct {
	worker   *fakeworker.Worker
	priority int
	capacity int
}

type harness struct {
	reg   *registry.Registry
	conns *connection.Manager
	store *session.Store
	coord *coordinator.Coordinator
}

func fastConfig() coordinator.Config {
	return coordinator.Config{
		JobTimeout:      5 * time.Second,
		MaxRetries:      3,
		TickInterval:    5 * time.Millisecond,
		TransferWorkers: 2,
		TransferTimeout: 5 * time.Second,
		ProbeInterval:   10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg coordinator.Config, specs ...workerSpec) harness {
	t.Helper()

	return newHarnessWith(t, cfg, nil, specs...)
}

func newHarnessWith(t *testing.T, cfg coordinator.Config, extra func(*coordinator.Deps), specs ...workerSpec) harness {
	t.Helper()

	log, err := logger.New(t.TempDir(), "coordinator-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	reg := registry.New()
	workers := make([]*fakeworker.Worker, 0, len(specs))

	for _, spec := range specs {
		workers = append(workers, spec.worker)
		require.NoError(t, reg.Add(registry.Worker{
			Name:              spec.worker.Name,
			Host:              spec.worker.Name + ".local",
			Port:              22,
			User:              "gena",
			CredentialRef:     "",
			Transport:         registry.TransportSSH,
			Priority:          spec.priority,
			MaxConcurrentJobs: spec.capacity,
			JobTimeout:        0,
			Load:              0,
			Health:            registry.HealthUnknown,
			ObservedJobs:      0,
			Device:            "",
			LastProbe:         time.Time{},
		}))
	}

	conns := connection.NewManager(fakeworker.NewFleet(workers...), reg, connection.Options{
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		ExcludeAfter: 3,
		GiveUpAfter:  10,
	}, log)

	store, err := session.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	deps := coordinator.Deps{
		Registry:    reg,
		Connections: conns,
		Prober:      registry.NewProber(reg, conns, time.Second, log),
		Store:       store,
		Archive:     nil,
		Publisher:   nil,
		Journal:     nil,
		Metrics:     nil,
		Log:         log,
	}

	if extra != nil {
		extra(&deps)
	}

	coord, err := coordinator.New(cfg, deps)
	require.NoError(t, err)

	return harness{reg: reg, conns: conns, store: store, coord: coord}
}

func (h harness) newSession(t *testing.T, counts ...int) *session.Session {
	t.Helper()

	seed := session.Seed{Title: "Test Book", Author: "Tester", Chapters: nil}

	for ci, count := range counts {
		chapter := session.SeedChapter{Title: fmt.Sprintf("Chapter %d", ci+1), Chunks: nil}
		for ki := range count {
			chapter.Chunks = append(chapter.Chunks, fmt.Sprintf("Chapter %d, sentence %d.", ci, ki))
		}

		seed.Chapters = append(seed.Chapters, chapter)
	}

	sess, err := session.New(session.NewParams{
		Document:     []byte(t.Name()),
		Seed:         seed,
		Options:      protocol.DefaultOptions(),
		VoiceRefPath: "",
		Now:          time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, h.store.Save(sess))

	return sess
}

func (h harness) run(t *testing.T, sess *session.Session) (coordinator.Report, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testDeadline)
	defer cancel()

	return h.coord.Run(ctx, sess)
}

func coordOf(job protocol.Job) session.Coord {
	return session.Coord{ChapterID: job.ChapterID, ChunkID: job.ChunkID}
}

func coordsOf(jobs []protocol.Job) []session.Coord {
	out := make([]session.Coord, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, coordOf(job))
	}

	return out
}

func chunkAt(t *testing.T, sess *session.Session, chapterID, chunkID int) *session.Chunk {
	t.Helper()

	chunk, err := sess.Chunk(session.Coord{ChapterID: chapterID, ChunkID: chunkID})
	require.NoError(t, err)

	return chunk
}

func load(t *testing.T, reg *registry.Registry, name string) int {
	t.Helper()

	w, ok := reg.Get(name)
	require.True(t, ok)

	return w.Load
}

// sequence answers successive jobs with successive responders; the last one
// repeats.
func sequence(responders ...fakeworker.Responder) fakeworker.Responder {
	var calls atomic.Int64

	return func(job protocol.Job) *protocol.Result {
		n := int(calls.Add(1)) - 1
		if n >= len(responders) {
			n = len(responders) - 1
		}

		return responders[n](job)
	}
}

// delayed completes jobs asynchronously so several can be in flight at once.
func delayed(w *fakeworker.Worker, delay time.Duration) fakeworker.Responder {
	return func(job protocol.Job) *protocol.Result {
		go func() {
			time.Sleep(delay)
			w.Deliver(protocol.CompletedResult(job.JobID, 800, 4, protocol.OutputPath(job.JobID), time.Now()))
		}()

		return nil
	}
}

func TestRun_CompletesSessionAndPersists(t *testing.T) {
	t.Parallel()

	gpu := fakeworker.New("gpu")
	cpu := fakeworker.New("cpu")
	h := newHarness(t, fastConfig(),
		workerSpec{worker: gpu, priority: 1, capacity: 2},
		workerSpec{worker: cpu, priority: 2, capacity: 1},
	)
	sess := h.newSession(t, 2, 3, 1)

	report, err := h.run(t, sess)
	require.NoError(t, err)

	assert.Equal(t, session.StateCompleted, report.State)
	assert.Equal(t, 6, report.Progress.Completed)
	assert.Empty(t, report.Unresolved)
	assert.False(t, report.Interrupted)

	stored, err := h.store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, stored.State())

	stored.Each(func(chunk *session.Chunk) bool {
		info, statErr := os.Stat(chunk.OutputPath)
		require.NoError(t, statErr)
		assert.Equal(t, int64(4), info.Size())
		assert.Equal(t, int64(1000), chunk.DurationMS)

		return true
	})

	assert.Zero(t, load(t, h.reg, "gpu"))
	assert.Zero(t, load(t, h.reg, "cpu"))

	removed := append(gpu.Removed(), cpu.Removed()...)
	assert.Contains(t, removed, protocol.OutputPath(sess.JobID(session.Coord{ChapterID: 1, ChunkID: 2})))
}

func TestRun_FillsPreferredWorkerInDocumentOrder(t *testing.T) {
	t.Parallel()

	a := fakeworker.New("A")
	b := fakeworker.New("B")
	a.SetResponder(fakeworker.Hang())
	b.SetResponder(fakeworker.Hang())

	h := newHarness(t, fastConfig(),
		workerSpec{worker: a, priority: 1, capacity: 2},
		workerSpec{worker: b, priority: 2, capacity: 1},
	)
	sess := h.newSession(t, 2, 3, 1)

	type runResult struct {
		report coordinator.Report
		err    error
	}

	done := make(chan runResult, 1)

	go func() {
		report, err := h.run(t, sess)
		done <- runResult{report: report, err: err}
	}()

	require.Eventually(t, func() bool {
		return len(a.Sent()) == 2 && len(b.Sent()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []session.Coord{{ChapterID: 0, ChunkID: 0}, {ChapterID: 0, ChunkID: 1}}, coordsOf(a.Sent()))
	assert.Equal(t, []session.Coord{{ChapterID: 1, ChunkID: 0}}, coordsOf(b.Sent()))

	require.Eventually(t, func() bool {
		return load(t, h.reg, "A") == 2 && load(t, h.reg, "B") == 1
	}, 5*time.Second, 5*time.Millisecond)

	for _, job := range a.Sent() {
		a.Deliver(protocol.CompletedResult(job.JobID, 500, 4, protocol.OutputPath(job.JobID), time.Now()))
	}

	require.Eventually(t, func() bool { return len(a.Sent()) == 4 }, 5*time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []session.Coord{{ChapterID: 1, ChunkID: 1}, {ChapterID: 1, ChunkID: 2}}, coordsOf(a.Sent()[2:]))
	assert.Len(t, b.Sent(), 1, "B stays busy with its first job")

	a.SetResponder(fakeworker.Complete(500))
	b.SetResponder(fakeworker.Complete(500))

	for _, job := range a.Sent()[2:] {
		a.Deliver(protocol.CompletedResult(job.JobID, 500, 4, protocol.OutputPath(job.JobID), time.Now()))
	}

	for _, job := range b.Sent() {
		b.Deliver(protocol.CompletedResult(job.JobID, 500, 4, protocol.OutputPath(job.JobID), time.Now()))
	}

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, session.StateCompleted, result.report.State)
	assert.Equal(t, 6, result.report.Progress.Completed)
}

func TestRun_LoadNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	small := fakeworker.New("small")
	large := fakeworker.New("large")
	small.SetResponder(delayed(small, 5*time.Millisecond))
	large.SetResponder(delayed(large, 5*time.Millisecond))

	h := newHarness(t, fastConfig(),
		workerSpec{worker: small, priority: 1, capacity: 2},
		workerSpec{worker: large, priority: 1, capacity: 3},
	)
	sess := h.newSession(t, 12, 8)

	report, err := h.run(t, sess)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Progress.Completed)

	assert.LessOrEqual(t, small.MaxInflight(), 2)
	assert.LessOrEqual(t, large.MaxInflight(), 3)
	assert.Positive(t, len(small.Sent()))
	assert.Positive(t, len(large.Sent()))
	assert.Zero(t, load(t, h.reg, "small"))
	assert.Zero(t, load(t, h.reg, "large"))
}

func TestRun_FailureBelowBudgetReturnsToPending(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.SetResponder(sequence(fakeworker.Fail("cuda out of memory"), fakeworker.Complete(700)))

	cfg := fastConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg, workerSpec{worker: w, priority: 1, capacity: 1})

	sess := h.newSession(t, 1)
	chunkAt(t, sess, 0, 0).RetryCount = cfg.MaxRetries - 1
	require.NoError(t, h.store.Save(sess))

	report, err := h.run(t, sess)
	require.NoError(t, err)

	chunk := chunkAt(t, sess, 0, 0)
	assert.Equal(t, session.StatusCompleted, chunk.Status)
	assert.Equal(t, cfg.MaxRetries, chunk.RetryCount)
	assert.Len(t, w.Sent(), 2)
	assert.Equal(t, session.StateCompleted, report.State)
}

func TestRun_RetriesExhaustedBecomesFailed(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.SetResponder(fakeworker.Fail("engine crashed"))

	cfg := fastConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1, 1)

	report, err := h.run(t, sess)
	require.NoError(t, err)

	assert.Equal(t, session.StateCompletedWithFailure, report.State)
	assert.Len(t, w.Sent(), 2*(cfg.MaxRetries+1))
	require.Len(t, report.Unresolved, 2)
	assert.Equal(t, session.Coord{ChapterID: 0, ChunkID: 0}, report.Unresolved[0].Coord)
	assert.Equal(t, session.StatusFailed, report.Unresolved[0].Status)
	assert.Equal(t, cfg.MaxRetries, report.Unresolved[0].RetryCount)
	assert.Contains(t, report.Unresolved[0].LastError, "engine crashed")

	stored, err := h.store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, chunkAt(t, stored, 1, 0).Status)
	assert.Zero(t, load(t, h.reg, "w"))
}

func TestRun_TimeoutRedispatches(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.SetResponder(sequence(fakeworker.Hang(), fakeworker.Complete(900)))

	cfg := fastConfig()
	cfg.JobTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1)

	_, err := h.run(t, sess)
	require.NoError(t, err)

	chunk := chunkAt(t, sess, 0, 0)
	assert.Equal(t, session.StatusCompleted, chunk.Status)
	assert.Equal(t, 1, chunk.RetryCount)
	assert.Len(t, w.Sent(), 2)
}

func TestRun_SendFailureKeepsRetryBudget(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.FailSends(2)

	h := newHarness(t, fastConfig(), workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1)

	_, err := h.run(t, sess)
	require.NoError(t, err)

	chunk := chunkAt(t, sess, 0, 0)
	assert.Equal(t, session.StatusCompleted, chunk.Status)
	assert.Zero(t, chunk.RetryCount)
	assert.Len(t, w.Sent(), 1)
}

func TestRun_SendFailureSparesJobsInFlight(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.SetResponder(delayed(w, 50*time.Millisecond))
	w.FailSends(1)

	h := newHarness(t, fastConfig(), workerSpec{worker: w, priority: 1, capacity: 2})
	sess := h.newSession(t, 3)

	report, err := h.run(t, sess)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, report.State)

	sess.Each(func(chunk *session.Chunk) bool {
		assert.Equal(t, session.StatusCompleted, chunk.Status, chunk.Coord().String())
		assert.Zero(t, chunk.RetryCount, chunk.Coord().String())

		return true
	})

	assert.Equal(t, 1, h.conns.Failures("w"), "one rejected send is one connection failure")
	assert.False(t, h.conns.Excluded("w"))

	worker, ok := h.reg.Get("w")
	require.True(t, ok)
	assert.Equal(t, registry.HealthReady, worker.Health)
	assert.Zero(t, worker.Load)
}

func TestRun_MalformedResultIsRetriedAfterTimeout(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.CorruptResults(1)

	cfg := fastConfig()
	cfg.JobTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1)

	_, err := h.run(t, sess)
	require.NoError(t, err)

	chunk := chunkAt(t, sess, 0, 0)
	assert.Equal(t, session.StatusCompleted, chunk.Status)
	assert.Equal(t, 1, chunk.RetryCount)
	assert.Len(t, w.Sent(), 2)
	assert.Zero(t, h.conns.Failures("w"), "a bad payload is not a connection failure")
}

func TestRun_ZeroByteAudioIsRetried(t *testing.T) {
	t.Parallel()

	empty := func(job protocol.Job) *protocol.Result {
		result := protocol.CompletedResult(job.JobID, 1000, 0, protocol.OutputPath(job.JobID), time.Now())

		return &result
	}

	w := fakeworker.New("w")
	w.SetResponder(sequence(empty, fakeworker.Complete(1000)))

	h := newHarness(t, fastConfig(), workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1)

	_, err := h.run(t, sess)
	require.NoError(t, err)

	chunk := chunkAt(t, sess, 0, 0)
	assert.Equal(t, session.StatusCompleted, chunk.Status)
	assert.Equal(t, 1, chunk.RetryCount)
}

func TestRun_UnfetchableAudioFailsChunk(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.FailFetches(fakeworker.ErrInjected)

	cfg := fastConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg, workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1)

	report, err := h.run(t, sess)
	require.NoError(t, err)

	require.Len(t, report.Unresolved, 1)
	assert.Equal(t, session.StatusFailed, report.Unresolved[0].Status)
	assert.Contains(t, report.Unresolved[0].LastError, coordinator.ErrValidation.Error())
	assert.Len(t, w.Sent(), 2)
}

func TestRun_ResumeNeverRedispatchesCompleted(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	h := newHarness(t, fastConfig(), workerSpec{worker: w, priority: 1, capacity: 2})
	sess := h.newSession(t, 3)

	done := chunkAt(t, sess, 0, 0)
	require.NoError(t, done.Transition(session.StatusDispatched))
	require.NoError(t, done.Transition(session.StatusCompleted))

	done.OutputPath = h.store.FragmentPath(sess.ID, sess.JobID(done.Coord()))
	done.DurationMS = 1500

	interrupted := chunkAt(t, sess, 0, 1)
	require.NoError(t, interrupted.Transition(session.StatusDispatched))

	interrupted.Worker = "w"
	require.NoError(t, h.store.Save(sess))

	resumed, coords, err := h.store.Resume(sess.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []session.Coord{{ChapterID: 0, ChunkID: 1}}, coords)

	_, err = h.run(t, resumed)
	require.NoError(t, err)

	assert.ElementsMatch(t, []session.Coord{{ChapterID: 0, ChunkID: 1}, {ChapterID: 0, ChunkID: 2}}, coordsOf(w.Sent()))
	assert.Equal(t, 1, chunkAt(t, resumed, 0, 1).RetryCount)
	assert.Equal(t, int64(1500), chunkAt(t, resumed, 0, 0).DurationMS)
	assert.Equal(t, session.StateCompleted, resumed.State())
}

func TestRun_ShutdownLeavesUnfinishedChunksPending(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.SetResponder(fakeworker.Hang())

	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.JobTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg, workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 2)

	ctx, cancel := context.WithCancel(context.Background())

	type runResult struct {
		report coordinator.Report
		err    error
	}

	done := make(chan runResult, 1)

	go func() {
		report, err := h.coord.Run(ctx, sess)
		done <- runResult{report: report, err: err}
	}()

	require.Eventually(t, func() bool { return len(w.Sent()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	result := <-done
	require.NoError(t, result.err)
	assert.True(t, result.report.Interrupted)
	assert.Len(t, w.Sent(), 1, "no dispatch after shutdown")

	stored, err := h.store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, chunkAt(t, stored, 0, 0).Status)
	assert.Equal(t, 1, chunkAt(t, stored, 0, 0).RetryCount)
	assert.Equal(t, session.StatusPending, chunkAt(t, stored, 0, 1).Status)
	assert.Zero(t, load(t, h.reg, "w"))
}

func TestRun_AllWorkersExcludedStalls(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.FailDial(fakeworker.ErrInjected)

	h := newHarness(t, fastConfig(), workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1)

	report, err := h.run(t, sess)
	require.ErrorIs(t, err, coordinator.ErrNoWorkers)
	assert.Equal(t, 1, report.Progress.Pending)
	assert.Empty(t, w.Sent())
}

func TestRun_EmptyRegistryStalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig())
	sess := h.newSession(t, 1)

	_, err := h.run(t, sess)
	require.ErrorIs(t, err, coordinator.ErrNoWorkers)
}

func TestRun_UnreachableWorkerRejoinsAfterProbe(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	w.FailProbe(fakeworker.ErrInjected)

	h := newHarness(t, fastConfig(), workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		w.FailProbe(nil)
	}()

	_, err := h.run(t, sess)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, sess.State())
}

func TestRun_VoiceReferenceUploadedOnce(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	h := newHarness(t, fastConfig(), workerSpec{worker: w, priority: 1, capacity: 2})

	voice := t.TempDir() + "/narrator.wav"
	require.NoError(t, os.WriteFile(voice, []byte("RIFF voice"), 0o600))

	opts := protocol.DefaultOptions()
	hash := "abc123"
	opts.VoiceRefHash = &hash

	sess, err := session.New(session.NewParams{
		Document: []byte("voice test"),
		Seed: session.Seed{
			Title:    "",
			Author:   "",
			Chapters: []session.SeedChapter{{Title: "", Chunks: []string{"one", "two", "three"}}},
		},
		Options:      opts,
		VoiceRefPath: voice,
		Now:          time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, h.store.Save(sess))

	_, err = h.run(t, sess)
	require.NoError(t, err)

	assert.Equal(t, []string{protocol.VoiceRefPath(hash)}, w.Uploads())

	for _, job := range w.Sent() {
		assert.Equal(t, hash, job.Options.VoiceRef())
	}
}

type recordingSink struct {
	mu      sync.Mutex
	objects map[string][]byte
	events  []core.ChunkEvent
	entries []core.JournalEntry
}

func newRecordingSink() *recordingSink {
	return &recordingSink{mu: sync.Mutex{}, objects: make(map[string][]byte), events: nil, entries: nil}
}

func (r *recordingSink) Download(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.objects[key], nil
}

func (r *recordingSink) Upload(_ context.Context, key string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.objects[key] = data

	return nil
}

func (r *recordingSink) ChunkCompleted(_ context.Context, event core.ChunkEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *recordingSink) Record(_ context.Context, entry core.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entry)

	return nil
}

func TestRun_ArchivesPublishesAndJournals(t *testing.T) {
	t.Parallel()

	w := fakeworker.New("w")
	sink := newRecordingSink()

	h := newHarnessWith(t, fastConfig(), func(deps *coordinator.Deps) {
		deps.Archive = sink
		deps.Publisher = sink
		deps.Journal = sink
	}, workerSpec{worker: w, priority: 1, capacity: 1})
	sess := h.newSession(t, 2)

	report, err := h.run(t, sess)
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()

	assert.Len(t, sink.objects, 2)
	require.Len(t, sink.events, 2)
	assert.Equal(t, 2, sink.events[1].Completed)
	assert.Equal(t, 2, sink.events[1].TotalChunks)
	assert.NotEmpty(t, sink.events[0].AudioKey)
	assert.Equal(t, sink.events[0].AudioKey, chunkAt(t, sess, 0, sink.events[0].ChunkID).AudioKey)

	kinds := make(map[string]int)
	for _, entry := range sink.entries {
		kinds[entry.Type]++
	}

	assert.Equal(t, 2, kinds["dispatched"])
	assert.Equal(t, 2, kinds["completed"])

	require.Len(t, report.Workers, 1)
	assert.Equal(t, 2, report.Workers[0].Completed)
	assert.Equal(t, 2, report.Workers[0].Dispatched)
}
