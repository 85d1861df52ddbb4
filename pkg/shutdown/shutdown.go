// Package shutdown runs registered cleanup hooks in reverse order when the
// process is told to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	hooks   []hook
	timeout time.Duration
	log     logrus.FieldLogger
	once    sync.Once
	err     error
}

// New creates a manager whose hooks share a deadline of timeout
func New(timeout time.Duration, log logrus.FieldLogger) *Manager {
	return &Manager{timeout: timeout, log: log}
}

// Register adds a hook. Hooks run in reverse registration order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Context returns a child of parent cancelled on SIGTERM or SIGINT, which
// schedulers send before killing a job.
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-ctx.Done()
		if parent.Err() == nil {
			m.log.Warn("Received termination signal, stopping")
		}
	}()
	return ctx, stop
}

// Shutdown runs every hook once, newest first. A failing hook does not stop
// the others; all errors are joined.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		hooks := append([]hook(nil), m.hooks...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.fn(ctx); err != nil {
				m.log.WithError(err).WithField("hook", h.name).Error("Shutdown hook failed")
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				continue
			}
			m.log.WithField("hook", h.name).Debug("Shutdown hook done")
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// Closer adapts an io.Closer into a hook
func Closer(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return c.Close()
	}
}
