package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, evs []Event) error
}

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("event recorder closed")

// Recorder writes critical events synchronously and queues advisory events
// for a background writer. When the queue is full advisory events are
// dropped and counted.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
	queue  chan []Event

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewRecorder starts the advisory writer. buffer is the queue length in
// batches.
func NewRecorder(sink Sink, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sink:   sink,
		logger: logger,
		queue:  make(chan []Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record persists the critical events of a turn and enqueues the rest. The
// returned error only concerns critical events.
func (r *Recorder) Record(ctx context.Context, evs []Event) error {
	critical, advisory := Split(evs)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	if len(critical) > 0 {
		if err := r.sink.Write(ctx, critical); err != nil {
			return fmt.Errorf("write critical events: %w", err)
		}
	}
	if len(advisory) == 0 {
		return nil
	}
	select {
	case r.queue <- advisory:
	default:
		r.dropped.Add(int64(len(advisory)))
		r.logger.Warn("⚠️ advisory event queue full, dropping events", zap.Int("count", len(advisory)))
	}
	return nil
}

// Dropped returns the number of advisory events lost to back pressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	for batch := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Write(ctx, batch); err != nil {
			r.logger.Warn("⚠️ failed to write advisory events", zap.Error(err), zap.Int("count", len(batch)))
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued advisory events to be
// written or for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
