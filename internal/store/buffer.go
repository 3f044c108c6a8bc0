package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/bus"
)

type writeJob struct {
	name string
	fn   func(ctx context.Context) error
}

// AsyncWriter decouples persistence from the decision path. Writes are
// queued to a bounded buffer and drained by one worker; when the buffer
// is full the oldest pending write is dropped with a warning event.
type AsyncWriter struct {
	jobs     chan writeJob
	deadline time.Duration
	eventBus *bus.Bus
	log      zerolog.Logger

	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

// NewAsyncWriter creates the writer. buffer is the queue depth; deadline
// bounds each write once it reaches the worker.
func NewAsyncWriter(buffer int, deadline time.Duration, eventBus *bus.Bus, logger zerolog.Logger) *AsyncWriter {
	if buffer < 1 {
		buffer = 64
	}
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	return &AsyncWriter{
		jobs:     make(chan writeJob, buffer),
		deadline: deadline,
		eventBus: eventBus,
		log:      logger,
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (w *AsyncWriter) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case job := <-w.jobs:
			w.execute(job)
		}
	}
}

// Submit queues one write without blocking. When the queue is full the
// oldest pending write is shed and a write_dropped event is emitted.
func (w *AsyncWriter) Submit(name string, fn func(ctx context.Context) error) {
	job := writeJob{name: name, fn: fn}
	for {
		select {
		case w.jobs <- job:
			return
		default:
		}

		select {
		case dropped := <-w.jobs:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
			w.log.Warn().Str("write", dropped.name).Msg("Write buffer full, oldest write dropped")
			if w.eventBus != nil {
				w.eventBus.Publish(bus.EventWriteDropped, "store", map[string]any{"write": dropped.name})
			}
		default:
		}
	}
}

// Dropped returns how many writes were shed since start.
func (w *AsyncWriter) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Flush waits for the worker to exit after its context is cancelled.
func (w *AsyncWriter) Flush() {
	w.wg.Wait()
}

func (w *AsyncWriter) execute(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.deadline)
	defer cancel()
	if err := job.fn(ctx); err != nil {
		w.log.Error().Err(err).Str("write", job.name).Msg("Persistence write failed")
	}
}

func (w *AsyncWriter) flush() {
	for {
		select {
		case job := <-w.jobs:
			w.execute(job)
		default:
			return
		}
	}
}
