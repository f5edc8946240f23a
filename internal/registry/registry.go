// Package registry holds the set of known synthesis workers together with
// their static attributes (address, priority, capacity) and dynamic state
// (health, load).
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/protocol"
)

// Health is the coordinator's view of a worker's reachability.
type Health string

// Worker health states.
const (
	HealthUnknown     Health = "unknown"
	HealthReady       Health = "ready"
	HealthUnreachable Health = "unreachable"
)

// Transport kinds a worker can be registered with.
const (
	TransportSSH  = "ssh"
	TransportNATS = "nats"
)

// DefaultSSHPort is used when a worker entry omits the port.
const DefaultSSHPort = 22

var (
	// ErrDuplicateName is returned when adding a worker whose name is taken.
	ErrDuplicateName = errors.New("worker name already registered")
	// ErrWorkerNotFound is returned for operations on unknown workers.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrInvalidWorker is returned when a worker definition is incomplete.
	ErrInvalidWorker = errors.New("invalid worker definition")
	// ErrCapacityExceeded guards the load counter. The scheduler never
	// triggers it; seeing it means the scheduler's bookkeeping is broken.
	ErrCapacityExceeded = errors.New("worker capacity exceeded")
	// ErrLoadUnderflow is returned when releasing a slot that was never taken.
	ErrLoadUnderflow = errors.New("worker load underflow")
)

// Worker is a remote machine offering synthesis capability.
type Worker struct {
	Name              string
	Host              string
	Port              int
	User              string
	CredentialRef     string
	Transport         string
	Priority          int
	MaxConcurrentJobs int
	JobTimeout        time.Duration

	Load         int
	Health       Health
	ObservedJobs int
	Device       string
	LastProbe    time.Time
}

// AvailableSlots reports how many more jobs the worker may take.
func (w Worker) AvailableSlots() int {
	return w.MaxConcurrentJobs - w.Load
}

// Endpoint returns the addressing information for dialing the worker.
func (w Worker) Endpoint() core.Endpoint {
	return core.Endpoint{
		Name:          w.Name,
		Host:          w.Host,
		Port:          w.Port,
		User:          w.User,
		CredentialRef: w.CredentialRef,
		Transport:     w.Transport,
	}
}

func (w Worker) validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidWorker)
	}

	if w.Host == "" {
		return fmt.Errorf("%w: worker %s has no host", ErrInvalidWorker, w.Name)
	}

	if w.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("%w: worker %s max_concurrent_jobs must be > 0", ErrInvalidWorker, w.Name)
	}

	switch w.Transport {
	case TransportSSH, TransportNATS:
	default:
		return fmt.Errorf("%w: worker %s has unknown transport %q", ErrInvalidWorker, w.Name, w.Transport)
	}

	return nil
}

// Registry is the authoritative set of workers for one coordinator process.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		mu:      sync.RWMutex{},
		workers: make(map[string]*Worker),
	}
}

// Add registers a worker. Health starts as Unknown and load at zero.
func (r *Registry) Add(worker Worker) error {
	if worker.Transport == "" {
		worker.Transport = TransportSSH
	}

	if worker.Port == 0 && worker.Transport == TransportSSH {
		worker.Port = DefaultSSHPort
	}

	err := worker.validate()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[worker.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, worker.Name)
	}

	worker.Load = 0
	worker.Health = HealthUnknown
	worker.ObservedJobs = 0
	r.workers[worker.Name] = &worker

	return nil
}

// Remove unregisters a worker.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[name]; !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}

	delete(r.workers, name)

	return nil
}

// Get returns a copy of the named worker.
func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, ok := r.workers[name]
	if !ok {
		return Worker{}, false
	}

	return *worker, true
}

// List returns copies of all workers ordered by priority, then name.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, worker := range r.workers {
		out = append(out, *worker)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Name < out[j].Name
		}

		return out[i].Priority < out[j].Priority
	})

	return out
}

// Len reports the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.workers)
}

// Endpoint implements the connection manager's directory lookup.
func (r *Registry) Endpoint(name string) (core.Endpoint, bool) {
	worker, ok := r.Get(name)
	if !ok {
		return core.Endpoint{}, false
	}

	return worker.Endpoint(), true
}

// SetHealth records a new health state.
func (r *Registry) SetHealth(name string, health Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}

	worker.Health = health

	return nil
}

// MarkUnreachable excludes the worker from scheduling until a probe succeeds.
func (r *Registry) MarkUnreachable(name string) error {
	return r.SetHealth(name, HealthUnreachable)
}

// RecordProbe applies a successful status reply. Only health and the
// observed job count change; capacity and priority never do.
func (r *Registry) RecordProbe(name string, reply protocol.StatusReply, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}

	worker.Health = HealthUnreachable
	if reply.Ready {
		worker.Health = HealthReady
	}

	worker.ObservedJobs = reply.JobsInProgress
	worker.Device = reply.Device
	worker.LastProbe = at

	return nil
}

// AcquireSlot increments the worker's load.
func (r *Registry) AcquireSlot(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}

	if worker.Load >= worker.MaxConcurrentJobs {
		return fmt.Errorf("%w: %s at %d/%d", ErrCapacityExceeded, name, worker.Load, worker.MaxConcurrentJobs)
	}

	worker.Load++

	return nil
}

// ReleaseSlot decrements the worker's load.
func (r *Registry) ReleaseSlot(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}

	if worker.Load <= 0 {
		return fmt.Errorf("%w: %s", ErrLoadUnderflow, name)
	}

	worker.Load--

	return nil
}
