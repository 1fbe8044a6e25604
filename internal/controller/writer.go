package controller

import (
	"context"
	"log"
	"time"

	"crosslight/internal/metrics"
)

// writeOp is one pending append for the log boundary.
type writeOp struct {
	kind string
	run  func() error
}

// LogWriter decouples the control loop from the log store. Enqueue never
// blocks: when the buffer is full the oldest pending write is dropped and
// counted. The worker retries failed writes with bounded backoff.
type LogWriter struct {
	ops     chan writeOp
	metrics *metrics.Store
	done    chan struct{}
}

const (
	writeAttempts    = 4
	writeBackoffBase = 50 * time.Millisecond
)

// NewLogWriter builds a writer with the given buffer capacity.
func NewLogWriter(buffer int, m *metrics.Store) *LogWriter {
	if buffer <= 0 {
		buffer = 256
	}
	return &LogWriter{
		ops:     make(chan writeOp, buffer),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Enqueue schedules a write. A full buffer sheds the oldest entry; losing
// a log row must never stall traffic control.
func (w *LogWriter) Enqueue(kind string, run func() error) {
	op := writeOp{kind: kind, run: run}
	for {
		select {
		case w.ops <- op:
			return
		default:
		}
		select {
		case dropped := <-w.ops:
			log.Printf("[logwriter] buffer full, dropping %s write", dropped.kind)
			if w.metrics != nil {
				w.metrics.IncLogDrop()
			}
		default:
		}
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// without retries.
func (w *LogWriter) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case op := <-w.ops:
			w.execute(op)
		}
	}
}

// Wait blocks until Run has finished its final flush.
func (w *LogWriter) Wait(deadline time.Duration) {
	select {
	case <-w.done:
	case <-time.After(deadline):
		log.Printf("[logwriter] shutdown flush exceeded %s, abandoning", deadline)
	}
}

func (w *LogWriter) execute(op writeOp) {
	backoff := writeBackoffBase
	for attempt := 1; ; attempt++ {
		err := op.run()
		if err == nil {
			return
		}
		if attempt >= writeAttempts {
			log.Printf("[logwriter] %s write failed after %d attempts: %v", op.kind, attempt, err)
			if w.metrics != nil {
				w.metrics.IncLogDrop()
			}
			return
		}
		log.Printf("[logwriter] %s write failed (attempt %d): %v", op.kind, attempt, err)
		if w.metrics != nil {
			w.metrics.IncLogRetry()
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (w *LogWriter) flush() {
	for {
		select {
		case op := <-w.ops:
			if err := op.run(); err != nil {
				log.Printf("[logwriter] final %s write failed: %v", op.kind, err)
			}
		default:
			return
		}
	}
}
