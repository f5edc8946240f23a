package connection

import (
	"sync"

	"github.com/book-expert/tts-coordinator/internal/core"
)

// session is one dialed transport and the leases still holding it. A
// retired session takes no new leases and closes when the last one is
// released.
type session struct {
	transport core.Transport
	holds     int
	retired   bool
	closed    bool
}

// Lease is a hold on a worker's live transport. Every Lease must be
// released. A failure reported through one lease retires the session for
// new work without cutting off jobs other leases are still waiting on.
type Lease struct {
	core.Transport

	mgr  *Manager
	name string
	sess *session
	once sync.Once
}

// Release gives the hold back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mgr.release(l.name, l.sess)
	})
}

// Fail counts cause as one connection failure against the worker and
// retires the session. Failures reported on a session that is already
// retired are not counted again, so one broken connection costs one
// failure however many jobs were riding on it. It reports whether the
// failure was counted.
func (l *Lease) Fail(cause error) bool {
	return l.mgr.fail(l.name, l.sess, cause)
}

// Close releases the lease. The shared transport is closed by the manager
// once no lease holds it.
func (l *Lease) Close() error {
	l.Release()

	return nil
}
