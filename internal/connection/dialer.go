package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/tts-coordinator/internal/core"
)

// ErrNoDialer is returned when no dialer is registered for a transport kind.
var ErrNoDialer = errors.New("no dialer for transport")

// MultiDialer picks a Dialer by the endpoint's transport kind, which is fixed
// when the worker is registered.
type MultiDialer struct {
	dialers map[string]core.Dialer
}

// NewMultiDialer creates an empty MultiDialer.
func NewMultiDialer() *MultiDialer {
	return &MultiDialer{dialers: make(map[string]core.Dialer)}
}

// Register binds a transport kind to a dialer.
func (d *MultiDialer) Register(kind string, dialer core.Dialer) *MultiDialer {
	d.dialers[kind] = dialer

	return d
}

// Dial implements core.Dialer.
func (d *MultiDialer) Dial(ctx context.Context, endpoint core.Endpoint) (core.Transport, error) {
	dialer, ok := d.dialers[endpoint.Transport]
	if !ok {
		return nil, fmt.Errorf("%w: %q (worker %s)", ErrNoDialer, endpoint.Transport, endpoint.Name)
	}

	return dialer.Dial(ctx, endpoint)
}
