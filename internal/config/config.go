// Package config provides the configuration structure for the tts-coordinator.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Default values applied by ApplyDefaults.
const (
	DefaultJobTimeoutSeconds      = 300
	DefaultMaxRetries             = 3
	DefaultTickIntervalMS         = 200
	DefaultTransferWorkers        = 4
	DefaultTransferTimeoutSeconds = 300
	DefaultProbeTimeoutSeconds    = 30
	DefaultProbeIntervalSeconds   = 30
	DefaultBackoffBaseMS          = 1000
	DefaultBackoffCapMS           = 60000
	DefaultExcludeAfter           = 3
	DefaultGiveUpAfter            = 10
	DefaultFFmpegPath             = "ffmpeg"
	DefaultCodec                  = "aac"
	DefaultBitrate                = "128k"
	DefaultChunkCreatedSubject    = "tts.audio.chunk.created"
	DefaultTransportPrefix        = "tts.worker"
	DefaultAudioBucket            = "AUDIO_FILES"
	workersFileName               = "workers.toml"
	logsDirName                   = "logs"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// CoordinatorConfig tunes scheduling, retries and connection backoff.
type CoordinatorConfig struct {
	JobTimeoutSeconds      int  `toml:"job_timeout_seconds"`
	MaxRetries             *int `toml:"max_retries"`
	TickIntervalMS         int  `toml:"tick_interval_ms"`
	TransferWorkers        int  `toml:"transfer_workers"`
	TransferTimeoutSeconds int  `toml:"transfer_timeout_seconds"`
	ProbeTimeoutSeconds    int  `toml:"probe_timeout_seconds"`
	ProbeIntervalSeconds   int  `toml:"probe_interval_seconds"`
	BackoffBaseMS          int  `toml:"backoff_base_ms"`
	BackoffCapMS           int  `toml:"backoff_cap_ms"`
	ExcludeAfter           int  `toml:"exclude_after"`
	GiveUpAfter            int  `toml:"give_up_after"`
	AllowFailedAssembly    bool `toml:"allow_failed_assembly"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir    string `toml:"base_logs_dir"`
	DataDir        string `toml:"data_dir"`
	WorkersFile    string `toml:"workers_file"`
	KnownHostsFile string `toml:"known_hosts_file"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables every
// NATS-backed component.
type NATSConfig struct {
	URL                      string `toml:"url"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	TransportSubjectPrefix   string `toml:"transport_subject_prefix"`
}

// MetricsConfig holds the Prometheus scrape endpoint. Empty disables it.
type MetricsConfig struct {
	PrometheusBind string `toml:"prometheus_bind"`
}

// AssemblyConfig holds the muxing tool and output encoding.
type AssemblyConfig struct {
	FFmpegPath string `toml:"ffmpeg_path"`
	Codec      string `toml:"codec"`
	Bitrate    string `toml:"bitrate"`
	SampleRate int    `toml:"sample_rate"`
	Channels   int    `toml:"channels"`
}

// Config is the root configuration structure.
type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Paths       PathsConfig       `toml:"paths"`
	NATS        NATSConfig        `toml:"nats"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Assembly    AssemblyConfig    `toml:"assembly"`
}

// Load loads the configuration for the tts-coordinator, then applies
// defaults and validates it. dataDir is used when paths.data_dir is unset.
func Load(log *logger.Logger, dataDir string) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults(dataDir)

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset field. Zero means unset, except
// max_retries where an explicit 0 disables retries.
func (c *Config) ApplyDefaults(dataDir string) {
	co := &c.Coordinator

	setDefault(&co.JobTimeoutSeconds, DefaultJobTimeoutSeconds)
	setDefault(&co.TickIntervalMS, DefaultTickIntervalMS)
	setDefault(&co.TransferWorkers, DefaultTransferWorkers)
	setDefault(&co.TransferTimeoutSeconds, DefaultTransferTimeoutSeconds)
	setDefault(&co.ProbeTimeoutSeconds, DefaultProbeTimeoutSeconds)
	setDefault(&co.ProbeIntervalSeconds, DefaultProbeIntervalSeconds)
	setDefault(&co.BackoffBaseMS, DefaultBackoffBaseMS)
	setDefault(&co.BackoffCapMS, DefaultBackoffCapMS)
	setDefault(&co.ExcludeAfter, DefaultExcludeAfter)
	setDefault(&co.GiveUpAfter, DefaultGiveUpAfter)

	if co.MaxRetries == nil {
		retries := DefaultMaxRetries
		co.MaxRetries = &retries
	}

	if c.Paths.DataDir == "" {
		c.Paths.DataDir = dataDir
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = filepath.Join(c.Paths.DataDir, logsDirName)
	}

	if c.Paths.WorkersFile == "" {
		c.Paths.WorkersFile = filepath.Join(c.Paths.DataDir, workersFileName)
	}

	setDefaultString(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)
	setDefaultString(&c.NATS.AudioChunkCreatedSubject, DefaultChunkCreatedSubject)
	setDefaultString(&c.NATS.TransportSubjectPrefix, DefaultTransportPrefix)

	setDefaultString(&c.Assembly.FFmpegPath, DefaultFFmpegPath)
	setDefaultString(&c.Assembly.Codec, DefaultCodec)
	setDefaultString(&c.Assembly.Bitrate, DefaultBitrate)
}

func setDefault(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func setDefaultString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate rejects values the coordinator cannot run with.
func (c *Config) Validate() error {
	co := c.Coordinator

	checks := []struct {
		ok   bool
		what string
	}{
		{co.JobTimeoutSeconds > 0, "coordinator.job_timeout_seconds must be positive"},
		{co.MaxRetries != nil && *co.MaxRetries >= 0, "coordinator.max_retries must not be negative"},
		{co.TickIntervalMS > 0, "coordinator.tick_interval_ms must be positive"},
		{co.TransferWorkers > 0, "coordinator.transfer_workers must be positive"},
		{co.TransferTimeoutSeconds > 0, "coordinator.transfer_timeout_seconds must be positive"},
		{co.ProbeTimeoutSeconds > 0, "coordinator.probe_timeout_seconds must be positive"},
		{co.ProbeIntervalSeconds > 0, "coordinator.probe_interval_seconds must be positive"},
		{co.BackoffBaseMS > 0, "coordinator.backoff_base_ms must be positive"},
		{co.BackoffCapMS >= co.BackoffBaseMS, "coordinator.backoff_cap_ms must not be below backoff_base_ms"},
		{co.ExcludeAfter > 0, "coordinator.exclude_after must be positive"},
		{co.GiveUpAfter >= 0, "coordinator.give_up_after must not be negative"},
		{c.Paths.DataDir != "", "paths.data_dir must be set"},
		{c.Assembly.SampleRate >= 0, "assembly.sample_rate must not be negative"},
		{c.Assembly.Channels >= 0, "assembly.channels must not be negative"},
	}

	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, check.what)
		}
	}

	return nil
}

// JobTimeout is the default per-job timeout.
func (c CoordinatorConfig) JobTimeout() time.Duration {
	return seconds(c.JobTimeoutSeconds)
}

// Retries is the configured retry budget.
func (c CoordinatorConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}

	return *c.MaxRetries
}

// TickInterval is how often the dispatch loop checks deadlines.
func (c CoordinatorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// TransferTimeout bounds one fragment download.
func (c CoordinatorConfig) TransferTimeout() time.Duration {
	return seconds(c.TransferTimeoutSeconds)
}

// ProbeTimeout bounds one status query.
func (c CoordinatorConfig) ProbeTimeout() time.Duration {
	return seconds(c.ProbeTimeoutSeconds)
}

// ProbeInterval is how often unreachable workers are retried.
func (c CoordinatorConfig) ProbeInterval() time.Duration {
	return seconds(c.ProbeIntervalSeconds)
}

// BackoffBase is the first reconnect delay.
func (c CoordinatorConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffCap is the longest reconnect delay.
func (c CoordinatorConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
