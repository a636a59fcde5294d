package logger

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
)

type asyncEntry struct {
	core   zapcore.Core
	entry  zapcore.Entry
	fields []zapcore.Field
}

// asyncQueue is shared by an AsyncCore and every core derived from it with With.
type asyncQueue struct {
	entries   chan asyncEntry
	flushes   chan chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
	batchSize int
	interval  time.Duration
}

// AsyncCore hands entries to a background writer in batches. When the buffer
// is full entries are dropped and counted; the count is logged periodically.
type AsyncCore struct {
	core  zapcore.Core
	queue *asyncQueue
}

func NewAsyncCore(core zapcore.Core, bufferSize, batchSize int, flushInterval time.Duration) *AsyncCore {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if batchSize <= 0 || batchSize > bufferSize {
		batchSize = max(bufferSize/10, 1)
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	q := &asyncQueue{
		entries:   make(chan asyncEntry, bufferSize),
		flushes:   make(chan chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		batchSize: batchSize,
		interval:  flushInterval,
	}
	go q.run(core)
	return &AsyncCore{core: core, queue: q}
}

func (q *asyncQueue) run(root zapcore.Core) {
	defer close(q.done)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	batch := make([]asyncEntry, 0, q.batchSize)
	write := func() {
		for _, e := range batch {
			if err := e.core.Write(e.entry, e.fields); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write log entry: %v\n", err)
			}
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-q.entries:
				batch = append(batch, e)
				if len(batch) >= q.batchSize {
					write()
				}
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case e := <-q.entries:
			batch = append(batch, e)
			if len(batch) >= q.batchSize {
				write()
			}
		case <-ticker.C:
			write()
			if n := q.dropped.Swap(0); n > 0 {
				root.Write(zapcore.Entry{
					Level:      zapcore.WarnLevel,
					Time:       time.Now(),
					LoggerName: "logger",
					Message:    fmt.Sprintf("dropped %d log entries, buffer full", n),
				}, nil)
			}
		case ack := <-q.flushes:
			drain()
			close(ack)
		case <-q.quit:
			drain()
			return
		}
	}
}

func (c *AsyncCore) Enabled(level zapcore.Level) bool {
	return c.core.Enabled(level)
}

func (c *AsyncCore) With(fields []zapcore.Field) zapcore.Core {
	return &AsyncCore{core: c.core.With(fields), queue: c.queue}
}

func (c *AsyncCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *AsyncCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	select {
	case c.queue.entries <- asyncEntry{core: c.core, entry: entry, fields: fields}:
	default:
		c.queue.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of entries dropped since the last report.
func (c *AsyncCore) Dropped() uint64 {
	return c.queue.dropped.Load()
}

// Sync writes out everything queued so far and syncs the wrapped core.
func (c *AsyncCore) Sync() error {
	ack := make(chan struct{})
	select {
	case c.queue.flushes <- ack:
		<-ack
	case <-c.queue.done:
	}
	return c.core.Sync()
}

// Close drains the queue and stops the background writer.
func (c *AsyncCore) Close() error {
	c.queue.closeOnce.Do(func() { close(c.queue.quit) })
	<-c.queue.done
	return c.core.Sync()
}
