package logger

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the named loggers built from config and their outputs.
type Manager struct {
	mu      sync.RWMutex
	loggers map[string]*zap.Logger
	closers map[string]func() error
}

func newManager() *Manager {
	return &Manager{
		loggers: make(map[string]*zap.Logger),
		closers: make(map[string]func() error),
	}
}

func (m *Manager) build(name string, cfg Config) error {
	logger, closeFn, err := New(name, cfg)
	if err != nil {
		return err
	}
	if err := m.add(name, logger, closeFn); err != nil {
		closeFn()
		return err
	}
	return nil
}

func (m *Manager) add(name string, logger *zap.Logger, closeFn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.loggers[name]; exists {
		return fmt.Errorf("logger %q already exists", name)
	}
	m.loggers[name] = logger
	m.closers[name] = closeFn
	return nil
}

func (m *Manager) lookup(name string) (*zap.Logger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loggers[name]
	return l, ok
}

// Logger returns the logger configured under name, or the default logger
// named after it when the config does not declare one.
func (m *Manager) Logger(name string) *zap.Logger {
	if l, ok := m.lookup(name); ok {
		return l
	}
	if l, ok := m.lookup("default"); ok {
		return l.Named(name)
	}
	return zap.NewNop()
}

// Sync flushes every logger.
func (m *Manager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for name, l := range m.loggers {
		if err := l.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("syncing logger %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes and releases every output. Loggers must not be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, closeFn := range m.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, fmt.Errorf("closing logger %q: %w", name, err))
		}
	}
	m.loggers = make(map[string]*zap.Logger)
	m.closers = make(map[string]func() error)
	return errors.Join(errs...)
}
