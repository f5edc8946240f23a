// Package registry_test tests the worker registry, its file format and probing.
package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/connection"
	"github.com/book-expert/tts-coordinator/internal/fakeworker"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "registry-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func worker(name string, priority, capacity int) registry.Worker {
	return registry.Worker{
		Name:              name,
		Host:              name + ".local",
		Port:              0,
		User:              "gena",
		CredentialRef:     "~/.ssh/id_ed25519",
		Transport:         "",
		Priority:          priority,
		MaxConcurrentJobs: capacity,
		JobTimeout:        0,
		Load:              0,
		Health:            registry.HealthReady,
		ObservedJobs:      0,
		Device:            "",
		LastProbe:         time.Time{},
	}
}

func TestRegistry_AddListRemove(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Add(worker("beta", 2, 1)))
	require.NoError(t, reg.Add(worker("alpha", 2, 4)))
	require.NoError(t, reg.Add(worker("gpu", 1, 2)))

	names := make([]string, 0, 3)
	for _, w := range reg.List() {
		names = append(names, w.Name)
		assert.Equal(t, registry.HealthUnknown, w.Health)
		assert.Equal(t, registry.TransportSSH, w.Transport)
		assert.Equal(t, registry.DefaultSSHPort, w.Port)
	}

	assert.Equal(t, []string{"gpu", "alpha", "beta"}, names)

	require.NoError(t, reg.Remove("alpha"))
	assert.Equal(t, 2, reg.Len())
	require.ErrorIs(t, reg.Remove("alpha"), registry.ErrWorkerNotFound)
}

func TestRegistry_DuplicateName(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Add(worker("gpu", 1, 2)))

	err := reg.Add(worker("gpu", 5, 8))
	require.ErrorIs(t, err, registry.ErrDuplicateName)

	got, ok := reg.Get("gpu")
	require.True(t, ok)
	assert.Equal(t, 2, got.MaxConcurrentJobs)
}

func TestRegistry_InvalidWorker(t *testing.T) {
	t.Parallel()

	reg := registry.New()

	require.ErrorIs(t, reg.Add(worker("", 1, 1)), registry.ErrInvalidWorker)
	require.ErrorIs(t, reg.Add(worker("zero", 1, 0)), registry.ErrInvalidWorker)

	bad := worker("carrier-pigeon", 1, 1)
	bad.Transport = "pigeon"
	require.ErrorIs(t, reg.Add(bad), registry.ErrInvalidWorker)
}

func TestRegistry_SlotsNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Add(worker("gpu", 1, 2)))

	require.NoError(t, reg.AcquireSlot("gpu"))
	require.NoError(t, reg.AcquireSlot("gpu"))
	require.ErrorIs(t, reg.AcquireSlot("gpu"), registry.ErrCapacityExceeded)

	got, _ := reg.Get("gpu")
	assert.Equal(t, 2, got.Load)
	assert.Equal(t, 0, got.AvailableSlots())

	require.NoError(t, reg.ReleaseSlot("gpu"))
	require.NoError(t, reg.ReleaseSlot("gpu"))
	require.ErrorIs(t, reg.ReleaseSlot("gpu"), registry.ErrLoadUnderflow)
}

func TestRegistry_RecordProbeKeepsStaticAttributes(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Add(worker("gpu", 3, 2)))

	reply := protocol.StatusReply{
		Ready:           true,
		Device:          "cuda",
		Version:         "0.3.0",
		EngineInstalled: true,
		JobsInProgress:  7,
		AvailableDiskMB: 100,
	}
	require.NoError(t, reg.RecordProbe("gpu", reply, time.Now()))

	got, _ := reg.Get("gpu")
	assert.Equal(t, registry.HealthReady, got.Health)
	assert.Equal(t, 7, got.ObservedJobs)
	assert.Equal(t, 0, got.Load)
	assert.Equal(t, 2, got.MaxConcurrentJobs)
	assert.Equal(t, 3, got.Priority)
}

func TestFile_DefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "workers.toml")
	data := `
[defaults]
max_concurrent_jobs = 2
job_timeout_seconds = 120

[[workers]]
name = "gpu-box"
host = "10.0.0.5"
user = "gena"
credential_ref = "~/.ssh/id_ed25519"
priority = 1
max_concurrent_jobs = 4

[[workers]]
name = "laptop"
host = "laptop.local"
port = 2222
priority = 2
job_timeout_seconds = 600
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	file, err := registry.LoadFile(path)
	require.NoError(t, err)

	reg, err := file.Registry()
	require.NoError(t, err)

	gpu, ok := reg.Get("gpu-box")
	require.True(t, ok)
	assert.Equal(t, 4, gpu.MaxConcurrentJobs)
	assert.Equal(t, 120*time.Second, gpu.JobTimeout)
	assert.Equal(t, 22, gpu.Port)

	laptop, ok := reg.Get("laptop")
	require.True(t, ok)
	assert.Equal(t, 2, laptop.MaxConcurrentJobs)
	assert.Equal(t, 600*time.Second, laptop.JobTimeout)
	assert.Equal(t, 2222, laptop.Port)
}

func TestFile_SaveRoundTripAndMutations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "workers.toml")

	file, err := registry.LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, file.Workers)

	four := 4
	entry := registry.FileWorker{
		Name:              "gpu",
		Host:              "gpu.local",
		Port:              0,
		User:              "gena",
		CredentialRef:     "",
		Transport:         "",
		Priority:          1,
		MaxConcurrentJobs: &four,
		JobTimeoutSeconds: nil,
	}
	require.NoError(t, file.AddWorker(entry))
	require.ErrorIs(t, file.AddWorker(entry), registry.ErrDuplicateName)
	require.NoError(t, registry.SaveFile(path, file))

	reloaded, err := registry.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Workers, 1)
	require.NotNil(t, reloaded.Workers[0].MaxConcurrentJobs)
	assert.Equal(t, 4, *reloaded.Workers[0].MaxConcurrentJobs)

	require.NoError(t, reloaded.RemoveWorker("gpu"))
	require.ErrorIs(t, reloaded.RemoveWorker("gpu"), registry.ErrWorkerNotFound)
}

func newProber(t *testing.T, workers ...*fakeworker.Worker) (*registry.Registry, *registry.Prober) {
	t.Helper()

	log := newTestLogger(t)
	reg := registry.New()

	for i, w := range workers {
		require.NoError(t, reg.Add(worker(w.Name, i+1, 2)))
	}

	opts := connection.Options{
		BackoffBase:  time.Millisecond,
		BackoffCap:   10 * time.Millisecond,
		ExcludeAfter: 3,
		GiveUpAfter:  10,
	}
	conns := connection.NewManager(fakeworker.NewFleet(workers...), reg, opts, log)

	return reg, registry.NewProber(reg, conns, time.Second, log)
}

func TestProber_ReadyAndUnreachable(t *testing.T) {
	t.Parallel()

	good := fakeworker.New("good")
	bad := fakeworker.New("bad")
	bad.FailProbe(fakeworker.ErrInjected)

	reg, prober := newProber(t, good, bad)

	results := prober.ProbeAll(context.Background())
	require.NoError(t, results["good"])
	require.ErrorIs(t, results["bad"], fakeworker.ErrInjected)

	got, _ := reg.Get("good")
	assert.Equal(t, registry.HealthReady, got.Health)
	assert.Equal(t, "cpu", got.Device)

	got, _ = reg.Get("bad")
	assert.Equal(t, registry.HealthUnreachable, got.Health)
}

func TestProber_NotReadyReply(t *testing.T) {
	t.Parallel()

	busy := fakeworker.New("busy")
	busy.SetStatus(protocol.StatusReply{
		Ready:           false,
		Device:          "cuda",
		Version:         "",
		EngineInstalled: false,
		JobsInProgress:  0,
		AvailableDiskMB: 0,
	})

	reg, prober := newProber(t, busy)

	err := prober.Probe(context.Background(), "busy")
	require.ErrorIs(t, err, registry.ErrNotReady)

	got, _ := reg.Get("busy")
	assert.Equal(t, registry.HealthUnreachable, got.Health)
}

func TestProber_UnknownWorker(t *testing.T) {
	t.Parallel()

	_, prober := newProber(t)

	err := prober.Probe(context.Background(), "ghost")
	require.ErrorIs(t, err, registry.ErrWorkerNotFound)
}
