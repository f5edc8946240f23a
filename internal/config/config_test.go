// Package config_test tests the configuration for the tts-coordinator.
package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/tts-coordinator/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[coordinator]
job_timeout_seconds = 120
max_retries = 0
tick_interval_ms = 50
transfer_workers = 2
allow_failed_assembly = true

[paths]
data_dir = "/srv/tts"
known_hosts_file = "~/.ssh/known_hosts"

[nats]
url = "nats://127.0.0.1:4222"
audio_object_store_bucket = "AUDIO_FILES"
audio_chunk_created_subject = "audio.chunk.created"

[metrics]
prometheus_bind = "127.0.0.1:9464"

[assembly]
codec = "libopus"
bitrate = "64k"
sample_rate = 48000
channels = 1
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	cfg.ApplyDefaults("/unused")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Minute, cfg.Coordinator.JobTimeout())
	assert.Equal(t, 0, cfg.Coordinator.Retries(), "explicit zero disables retries")
	assert.Equal(t, 50*time.Millisecond, cfg.Coordinator.TickInterval())
	assert.Equal(t, 2, cfg.Coordinator.TransferWorkers)
	assert.True(t, cfg.Coordinator.AllowFailedAssembly)

	assert.Equal(t, "/srv/tts", cfg.Paths.DataDir)
	assert.Equal(t, filepath.Join("/srv/tts", "logs"), cfg.Paths.BaseLogsDir)
	assert.Equal(t, filepath.Join("/srv/tts", "workers.toml"), cfg.Paths.WorkersFile)
	assert.Equal(t, "~/.ssh/known_hosts", cfg.Paths.KnownHostsFile)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "audio.chunk.created", cfg.NATS.AudioChunkCreatedSubject)
	assert.Equal(t, config.DefaultTransportPrefix, cfg.NATS.TransportSubjectPrefix)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.PrometheusBind)

	assert.Equal(t, "libopus", cfg.Assembly.Codec)
	assert.Equal(t, "64k", cfg.Assembly.Bitrate)
	assert.Equal(t, 48000, cfg.Assembly.SampleRate)
	assert.Equal(t, config.DefaultFFmpegPath, cfg.Assembly.FFmpegPath)
}

func TestApplyDefaults_EmptyConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	cfg.ApplyDefaults("/data")
	require.NoError(t, cfg.Validate())

	co := cfg.Coordinator
	assert.Equal(t, 5*time.Minute, co.JobTimeout())
	assert.Equal(t, config.DefaultMaxRetries, co.Retries())
	assert.Equal(t, 200*time.Millisecond, co.TickInterval())
	assert.Equal(t, config.DefaultTransferWorkers, co.TransferWorkers)
	assert.Equal(t, 5*time.Minute, co.TransferTimeout())
	assert.Equal(t, 30*time.Second, co.ProbeTimeout())
	assert.Equal(t, 30*time.Second, co.ProbeInterval())
	assert.Equal(t, time.Second, co.BackoffBase())
	assert.Equal(t, time.Minute, co.BackoffCap())
	assert.Equal(t, config.DefaultExcludeAfter, co.ExcludeAfter)
	assert.Equal(t, config.DefaultGiveUpAfter, co.GiveUpAfter)
	assert.False(t, co.AllowFailedAssembly)

	assert.Equal(t, "/data", cfg.Paths.DataDir)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, config.DefaultCodec, cfg.Assembly.Codec)
	assert.Equal(t, config.DefaultBitrate, cfg.Assembly.Bitrate)
}

func TestValidate_RejectsNonsense(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"negative retries": "[coordinator]\nmax_retries = -1\n",
		"cap below base":   "[coordinator]\nbackoff_base_ms = 5000\nbackoff_cap_ms = 10\n",
		"negative timeout": "[coordinator]\njob_timeout_seconds = -5\n",
		"negative rate":    "[assembly]\nsample_rate = -1\n",
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var cfg config.Config

			require.NoError(t, toml.Unmarshal([]byte(data), &cfg))
			cfg.ApplyDefaults("/data")
			require.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
		})
	}
}
