// Package shutdown runs registered cleanup steps when the process stops.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager runs steps in reverse registration order, like deferred calls:
// the HTTP server registered after the database is stopped before it.
type Manager struct {
	steps  []step
	mu     sync.Mutex
	once   sync.Once
	err    error
	logger *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger.Named("shutdown")}
}

func (sh *Manager) RegisterShutdown(name string, shutdown func(context.Context) error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.steps = append(sh.steps, step{name: name, fn: shutdown})
}

// RegisterCloser adapts a plain Close method.
func (sh *Manager) RegisterCloser(name string, closeFn func() error) {
	sh.RegisterShutdown(name, func(context.Context) error { return closeFn() })
}

// Shutdown runs every step once, even after a failure or an expired ctx.
// Later calls return the first call's result.
func (sh *Manager) Shutdown(ctx context.Context) error {
	sh.once.Do(func() {
		sh.mu.Lock()
		steps := make([]step, len(sh.steps))
		copy(steps, sh.steps)
		sh.mu.Unlock()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			if err := s.fn(ctx); err != nil {
				sh.logger.Error("shutdown step failed", zap.String("step", s.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s shutdown: %w", s.name, err))
				continue
			}
			sh.logger.Debug("shutdown step done", zap.String("step", s.name))
		}
		sh.err = errors.Join(errs...)
	})
	return sh.err
}
