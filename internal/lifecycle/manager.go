// Package lifecycle tears down what the ledger app opens: the storage
// backend, the webhook worker and the event dispatcher.
package lifecycle

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns the app's long-lived resources. Storage is registered before
// the event pipeline, so shutdown drains deliveries while the store is open.
type Manager struct {
	mu     sync.Mutex
	owned  []owned
	logger zerolog.Logger
	done   bool
}

type owned struct {
	name   string
	closer io.Closer
}

// NewManager returns a Manager that logs close failures to logger.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register hands closer to the manager under name, which is used in logs.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owned = append(m.owned, owned{name: name, closer: closer})
}

// RegisterFunc is Register for a bare shutdown func such as a worker's Stop.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, shutdownFunc(fn))
}

// Close shuts down in reverse registration order and reports every failure
// joined into one error. A failing resource does not stop the rest.
// Only the first call does anything.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil
	}
	m.done = true

	var errs []error
	for i := len(m.owned) - 1; i >= 0; i-- {
		r := m.owned[i]
		if err := r.closer.Close(); err != nil {
			m.logger.Error().
				Err(err).
				Str("resource", r.name).
				Msg("lifecycle.close_resource_failed")
			errs = append(errs, err)
			continue
		}
		m.logger.Debug().Str("resource", r.name).Msg("lifecycle.resource_closed")
	}
	return errors.Join(errs...)
}

type shutdownFunc func() error

func (f shutdownFunc) Close() error { return f() }
