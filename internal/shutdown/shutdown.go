// Package shutdown coordinates teardown ordering: the sync driver must stop
// before the store closes, and the store must close before the process exits,
// or a half-written sync pass corrupts the local library.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"sheetbox/internal/utils"
)

// CleanupFunc performs one piece of teardown. The context is cancelled when
// the shutdown grace period expires.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager runs registered cleanups in LIFO order on shutdown.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanupEntry
	shutdown bool

	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
}

// NewManager creates a shutdown manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterCleanup registers a named cleanup. Cleanups run in LIFO order, so
// register dependencies before their dependents: store first, driver after.
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown initiates teardown. Safe to call multiple times; only the first
// call has effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()

		m.cancel()
		close(m.shutdownCh)
	})
}

// HandleSignals shuts down on SIGINT or SIGTERM. Returns immediately.
func (m *Manager) HandleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			utils.Debugf("received %v, shutting down", sig)
			m.Shutdown()
		case <-m.shutdownCh:
		}
	}()
}

func (m *Manager) runCleanups(ctx context.Context) {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(ctx); err != nil {
			// One failing cleanup must not block the rest.
			utils.Warnf("cleanup %s failed: %v", cleanups[i].name, err)
		}
	}
}

// Wait runs the registered cleanups and blocks until they finish or ctx
// expires.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runCleanups(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown reports whether shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Context returns a context cancelled when shutdown starts. Long-running
// operations derive from this.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done returns a channel closed when shutdown starts.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCh
}
