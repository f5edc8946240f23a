// Package worker_test tests the worker-side NATS bridge and the CLI runner.
package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/natstransport"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/worker"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockStore = errors.New("mock store error")

// mockFileStore is a mock implementation of the natstransport.FileStore interface.
type mockFileStore struct{}

func (m *mockFileStore) Download(context.Context, string) ([]byte, error) {
	return nil, errMockStore
}

func (m *mockFileStore) Upload(context.Context, string, []byte) error { return nil }

func (m *mockFileStore) Delete(context.Context, string) error { return nil }

type idleRunner struct{}

func (idleRunner) Status(context.Context) (protocol.StatusReply, error) {
	return protocol.StatusReply{}, nil
}

func (idleRunner) Run(_ context.Context, job protocol.Job) (protocol.Result, error) {
	return protocol.FailedResult(job.JobID, "idle", time.Now()), nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	return testLogger
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsConnection
}

func TestNewNatsWorker_Validation(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	_, err := worker.NewNatsWorker(nil, &mockFileStore{}, idleRunner{}, worker.Config{
		Name: "", Prefix: "", Home: t.TempDir(), JobTimeout: 0,
	}, log)
	require.ErrorIs(t, err, worker.ErrNameEmpty)

	_, err = worker.NewNatsWorker(nil, &mockFileStore{}, nil, worker.Config{
		Name: "edge", Prefix: "", Home: t.TempDir(), JobTimeout: 0,
	}, log)
	require.ErrorIs(t, err, worker.ErrRunnerNil)
}

func TestMessageHandler_RejectsMalformedJob(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)

	workerInstance, err := worker.NewNatsWorker(natsConnection, &mockFileStore{}, idleRunner{}, worker.Config{
		Name: "edge", Prefix: "unit", Home: t.TempDir(), JobTimeout: time.Second,
	}, newTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	var reply *nats.Msg

	require.Eventually(t, func() bool {
		reply, err = natsConnection.Request(natstransport.RunSubject("unit", "edge"), []byte("not a job"), 200*time.Millisecond)

		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	assert.NotEqual(t, natstransport.AckOK, string(reply.Data))

	cancel()

	shutdownErr := <-errChan
	assert.NoError(t, shutdownErr, "worker.Run should not error on graceful shutdown")
}

func TestMessageHandler_MissingVoiceRefFailsJob(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)

	workerInstance, err := worker.NewNatsWorker(natsConnection, &mockFileStore{}, idleRunner{}, worker.Config{
		Name: "edge", Prefix: "unit", Home: t.TempDir(), JobTimeout: time.Second,
	}, newTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = workerInstance.Run(ctx) }()

	opts := protocol.DefaultOptions()
	hash := "missing"
	opts.VoiceRefHash = &hash
	job := protocol.NewJob("s", 0, 0, "text", opts, time.Now())

	sub, err := natsConnection.SubscribeSync(natstransport.ResultSubject("unit", "edge", job.JobID))
	require.NoError(t, err)

	payload, err := job.Encode()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, reqErr := natsConnection.Request(natstransport.RunSubject("unit", "edge"), payload, 200*time.Millisecond)

		return reqErr == nil
	}, 5*time.Second, 50*time.Millisecond)

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	result, err := protocol.DecodeResult(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage(), "voice reference")
}

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gena")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700))

	return path
}

func TestExecRunner_StatusAndRun(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `
if [ "$2" = "status" ]; then
  echo '{"ready":true,"device":"cpu","jobs_in_progress":0,"available_disk_mb":10}'
  exit 0
fi
cat > /dev/null
echo '{"version":1,"job_id":"s_ch000_ck0000","status":"completed","duration_ms":900,"audio_size_bytes":10,"audio_path":"/tmp/x.wav","error":null,"completed_at":"2024-01-01T00:00:00Z"}'
`)

	runner := worker.NewExecRunner(script, t.TempDir(), newTestLogger(t))
	ctx := context.Background()

	status, err := runner.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Ready)

	result, err := runner.Run(ctx, protocol.NewJob("s", 0, 0, "hi", protocol.DefaultOptions(), time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(900), result.DurationMS)
}

func TestExecRunner_ResultFileFallback(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	job := protocol.NewJob("s", 1, 1, "hi", protocol.DefaultOptions(), time.Now())

	resultPath := filepath.Join(home, protocol.ResultPath(job.JobID))
	require.NoError(t, os.MkdirAll(filepath.Dir(resultPath), 0o750))

	data, err := protocol.FailedResult(job.JobID, "out of memory", time.Now()).Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(resultPath, data, 0o600))

	script := writeScript(t, "cat > /dev/null\necho 'crashed' >&2\nexit 1\n")
	runner := worker.NewExecRunner(script, home, newTestLogger(t))

	result, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "out of memory", result.ErrorMessage())

	_, statErr := os.Stat(resultPath)
	assert.True(t, os.IsNotExist(statErr))
}
