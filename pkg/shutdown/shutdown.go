// Package shutdown runs registered cleanup callbacks in parallel on exit.
package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/bracketbot/pkg/logger"
)

// Handler should return promptly once ctx is done.
type Handler func(ctx context.Context)

type Manager struct {
	callbacks []Handler
	mu        sync.Mutex
}

func NewManager() *Manager {
	return &Manager{callbacks: make([]Handler, 0)}
}

// OnShutdown registers a callback.
func (m *Manager) OnShutdown(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, handler)
}

// Shutdown runs every callback concurrently and blocks until they return or
// ctx is done. It reports whether all callbacks finished.
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.mu.Lock()
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return true
	}
	logger.Infof("shutting down, %d callbacks", len(callbacks))

	var wg sync.WaitGroup
	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(handler Handler) {
			defer wg.Done()
			handler(ctx)
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return true
	case <-ctx.Done():
		logger.Warnf("shutdown timed out: %v", ctx.Err())
		return false
	}
}
