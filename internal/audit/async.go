package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AsyncSink persists events through a Writer on a background worker so the
// request path never waits on the audit table. Events that do not fit in the
// buffer are dropped and logged.
type AsyncSink struct {
	writer  Writer
	logger  *zap.Logger
	events  chan Event
	timeout time.Duration
	once    sync.Once
	wg      sync.WaitGroup
}

// NewAsyncSink starts the worker. Call Close to drain pending events.
func NewAsyncSink(writer Writer, logger *zap.Logger, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		writer:  writer,
		logger:  logger.Named("audit"),
		events:  make(chan Event, buffer),
		timeout: 5 * time.Second,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) Record(_ context.Context, ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("audit buffer full, dropping event", zap.String("action", ev.Action))
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.writer.CreateAuditLog(ctx, ev.ToLog()); err != nil {
			s.logger.Error("Error creating audit log", zap.String("action", ev.Action), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for the buffered ones to be written.
// Record must not be called after Close.
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.events) })
	s.wg.Wait()
}

// Shutdown implements the shutdown manager's hook signature.
func (s *AsyncSink) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
