package registry

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/tts-coordinator/internal/fsutil"
	"github.com/pelletier/go-toml/v2"
)

// Defaults applied to workers that do not override them.
const (
	DefaultMaxConcurrentJobs = 1
	DefaultJobTimeoutSeconds = 300
	DefaultPriority          = 100
)

// FileDefaults is the [defaults] block of the registry file.
type FileDefaults struct {
	MaxConcurrentJobs int    `toml:"max_concurrent_jobs"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
	Transport         string `toml:"transport,omitempty"`
}

// FileWorker is one [[workers]] entry of the registry file.
type FileWorker struct {
	Name              string `toml:"name"`
	Host              string `toml:"host"`
	Port              int    `toml:"port,omitempty"`
	User              string `toml:"user,omitempty"`
	CredentialRef     string `toml:"credential_ref,omitempty"`
	Transport         string `toml:"transport,omitempty"`
	Priority          int    `toml:"priority"`
	MaxConcurrentJobs *int   `toml:"max_concurrent_jobs,omitempty"`
	JobTimeoutSeconds *int   `toml:"job_timeout_seconds,omitempty"`
}

// File is the persisted worker registry.
type File struct {
	Defaults FileDefaults `toml:"defaults"`
	Workers  []FileWorker `toml:"workers"`
}

// NewFile returns an empty registry file populated with defaults.
func NewFile() File {
	return File{
		Defaults: FileDefaults{
			MaxConcurrentJobs: DefaultMaxConcurrentJobs,
			JobTimeoutSeconds: DefaultJobTimeoutSeconds,
			Transport:         TransportSSH,
		},
		Workers: nil,
	}
}

// LoadFile reads the registry file. A missing file yields an empty registry.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewFile(), nil
	}

	if err != nil {
		return File{}, fmt.Errorf("failed to read worker registry %s: %w", path, err)
	}

	file := NewFile()

	err = toml.Unmarshal(data, &file)
	if err != nil {
		return File{}, fmt.Errorf("failed to parse worker registry %s: %w", path, err)
	}

	return file, nil
}

// SaveFile writes the registry file atomically.
func SaveFile(path string, file File) error {
	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode worker registry: %w", err)
	}

	err = fsutil.WriteFileAtomic(path, data)
	if err != nil {
		return fmt.Errorf("failed to save worker registry %s: %w", path, err)
	}

	return nil
}

// AddWorker appends an entry, rejecting duplicate names.
func (f *File) AddWorker(entry FileWorker) error {
	for _, existing := range f.Workers {
		if existing.Name == entry.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, entry.Name)
		}
	}

	_, err := f.resolve(entry)
	if err != nil {
		return err
	}

	f.Workers = append(f.Workers, entry)

	return nil
}

// RemoveWorker deletes an entry by name.
func (f *File) RemoveWorker(name string) error {
	for i, existing := range f.Workers {
		if existing.Name == name {
			f.Workers = append(f.Workers[:i], f.Workers[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
}

// Registry builds a live registry from the file, applying defaults.
func (f File) Registry() (*Registry, error) {
	reg := New()

	for _, entry := range f.Workers {
		worker, err := f.resolve(entry)
		if err != nil {
			return nil, err
		}

		err = reg.Add(worker)
		if err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func (f File) resolve(entry FileWorker) (Worker, error) {
	maxJobs := f.Defaults.MaxConcurrentJobs
	if entry.MaxConcurrentJobs != nil {
		maxJobs = *entry.MaxConcurrentJobs
	}

	timeoutSeconds := f.Defaults.JobTimeoutSeconds
	if entry.JobTimeoutSeconds != nil {
		timeoutSeconds = *entry.JobTimeoutSeconds
	}

	transport := entry.Transport
	if transport == "" {
		transport = f.Defaults.Transport
	}

	if transport == "" {
		transport = TransportSSH
	}

	port := entry.Port
	if port == 0 && transport == TransportSSH {
		port = DefaultSSHPort
	}

	worker := Worker{
		Name:              entry.Name,
		Host:              entry.Host,
		Port:              port,
		User:              entry.User,
		CredentialRef:     entry.CredentialRef,
		Transport:         transport,
		Priority:          entry.Priority,
		MaxConcurrentJobs: maxJobs,
		JobTimeout:        time.Duration(timeoutSeconds) * time.Second,
		Load:              0,
		Health:            HealthUnknown,
		ObservedJobs:      0,
		Device:            "",
		LastProbe:         time.Time{},
	}

	err := worker.validate()
	if err != nil {
		return Worker{}, err
	}

	return worker, nil
}
