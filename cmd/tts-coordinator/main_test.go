package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/config"
	"github.com/book-expert/tts-coordinator/internal/coordinator"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/book-expert/tts-coordinator/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = `{
  "title": "Short Book",
  "author": "Someone",
  "chapters": [
    {"title": "One", "chunks": ["First sentence.", "Second sentence."]},
    {"title": "Two", "chunks": ["Third sentence."]}
  ]
}`

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()

	log, err := logger.New(t.TempDir(), "cmd-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	var cfg config.Config

	cfg.ApplyDefaults(t.TempDir())
	cfg.Coordinator.TickIntervalMS = 10
	cfg.Coordinator.ProbeTimeoutSeconds = 1
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer

	a, err := newApp(&cfg, log, &out)
	require.NoError(t, err)

	return a, &out
}

func TestDispatch_UnknownCommand(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t)

	err := a.dispatch(context.Background(), "frobnicate", nil)
	require.ErrorIs(t, err, errUnknownCommand)
	assert.Contains(t, out.String(), "Usage: tts-coordinator")
}

func TestWorkers_AddListRemove(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.dispatch(ctx, cmdWorkers, []string{
		workersAdd, "--name", "gpu-1", "--host", "10.0.0.5", "--user", "gena", "--priority", "1", "--max-jobs", "2",
	}))

	err := a.dispatch(ctx, cmdWorkers, []string{workersAdd, "--name", "gpu-1", "--host", "10.0.0.6"})
	require.ErrorIs(t, err, registry.ErrDuplicateName)

	out.Reset()
	require.NoError(t, a.dispatch(ctx, cmdWorkers, []string{workersList}))
	assert.Contains(t, out.String(), "gpu-1")
	assert.Contains(t, out.String(), "gena@10.0.0.5:22")
	assert.Contains(t, out.String(), "0/2")

	file, err := registry.LoadFile(a.cfg.Paths.WorkersFile)
	require.NoError(t, err)
	require.Len(t, file.Workers, 1)
	assert.Equal(t, 1, file.Workers[0].Priority)

	require.NoError(t, a.dispatch(ctx, cmdWorkers, []string{workersRemove, "gpu-1"}))

	err = a.dispatch(ctx, cmdWorkers, []string{workersRemove, "gpu-1"})
	require.ErrorIs(t, err, registry.ErrWorkerNotFound)

	out.Reset()
	require.NoError(t, a.dispatch(ctx, cmdWorkers, []string{workersList}))
	assert.Equal(t, "No workers registered.\n", out.String())
}

func TestRun_WithoutWorkersPersistsSession(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t)
	ctx := context.Background()

	seedPath := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o600))

	err := a.dispatch(ctx, cmdRun, []string{"--seed", seedPath})
	require.ErrorIs(t, err, coordinator.ErrNoWorkers)
	assert.Contains(t, out.String(), "Created session")
	assert.Contains(t, out.String(), "No usable workers")

	summaries, err := a.store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Short Book", summaries[0].Title)
	assert.Equal(t, 3, summaries[0].Progress.Pending)

	out.Reset()
	err = a.dispatch(ctx, cmdRun, []string{"--seed", seedPath})
	require.ErrorIs(t, err, coordinator.ErrNoWorkers)
	assert.Contains(t, out.String(), "Resuming session "+summaries[0].ID)

	out.Reset()
	require.NoError(t, a.dispatch(ctx, cmdStatus, nil))
	assert.Contains(t, out.String(), summaries[0].ID)

	out.Reset()
	require.NoError(t, a.dispatch(ctx, cmdStatus, []string{"--journal", summaries[0].ID}))
	assert.Contains(t, out.String(), "0/3")

	require.NoError(t, a.dispatch(ctx, cmdDiscard, []string{summaries[0].ID}))

	_, err = a.store.Load(summaries[0].ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRun_NotesEarlierSessionWithOtherOptions(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t)
	ctx := context.Background()

	seedPath := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o600))

	err := a.dispatch(ctx, cmdRun, []string{"--seed", seedPath})
	require.ErrorIs(t, err, coordinator.ErrNoWorkers)

	summaries, err := a.store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	out.Reset()

	err = a.dispatch(ctx, cmdRun, []string{"--seed", seedPath, "--temperature", "0.3"})
	require.ErrorIs(t, err, coordinator.ErrNoWorkers)
	assert.Contains(t, out.String(), "session "+summaries[0].ID+" holds earlier work")
	assert.Contains(t, out.String(), "Created session")

	summaries, err = a.store.List()
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

// fakeFFmpeg installs a script that writes "book" to its last argument.
func fakeFFmpeg(t *testing.T, a *app) {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor a in \"$@\"; do last=\"$a\"; done\nprintf 'book' > \"$last\"\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o700))

	a.cfg.Assembly.FFmpegPath = binary
}

// saveCompletedSession stores a session whose chunks all have audio on disk.
func saveCompletedSession(t *testing.T, a *app) *session.Session {
	t.Helper()

	seed, err := session.ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	sess, err := session.New(session.NewParams{
		Document:     []byte(testSeed),
		Seed:         seed,
		Options:      protocol.DefaultOptions(),
		VoiceRefPath: "",
		Now:          time.Now(),
	})
	require.NoError(t, err)

	sess.Each(func(chunk *session.Chunk) bool {
		path := a.store.FragmentPath(sess.ID, sess.JobID(chunk.Coord()))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o600))

		chunk.Status = session.StatusCompleted
		chunk.OutputPath = path
		chunk.DurationMS = 1500
		chunk.AudioSizeBytes = 4

		return true
	})
	require.NoError(t, a.store.Save(sess))

	return sess
}

func TestAssemble_MuxesAndArchives(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t)
	fakeFFmpeg(t, a)
	sess := saveCompletedSession(t, a)

	output := filepath.Join(t.TempDir(), "short-book.m4b")

	err := a.dispatch(context.Background(), cmdAssemble, []string{"--output", output, sess.ID})
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "book", string(data))

	assert.Contains(t, out.String(), "3 segments, 2 chapters")
	assert.Contains(t, out.String(), "archived")

	_, err = a.store.Load(sess.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAssemble_DirectoryOutputUsesTitle(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	fakeFFmpeg(t, a)
	sess := saveCompletedSession(t, a)

	dir := t.TempDir()

	err := a.dispatch(context.Background(), cmdAssemble, []string{"--output", dir, "--keep", sess.ID})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "Short Book.m4b"))
	require.NoError(t, err)
	assert.Equal(t, "book", string(data))

	_, err = a.store.Load(sess.ID)
	require.NoError(t, err)
}

func TestAssemble_RequiresOutput(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)

	err := a.dispatch(context.Background(), cmdAssemble, []string{"abc"})
	require.ErrorIs(t, err, errUsage)
}
