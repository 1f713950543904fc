package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/systmms/secretbroker/internal/logging"
	"github.com/systmms/secretbroker/internal/metrics"
)

const (
	defaultQueueSize  = 256
	sinkWriteTimeout  = 5 * time.Second
	drainCloseTimeout = 10 * time.Second
)

// Recorder decouples the request path from the sink: Record enqueues and
// returns immediately, a single goroutine drains the queue. When the sink
// write fails the event is logged locally and the failure counter is
// incremented; the secret operation that produced the event is never
// affected.
type Recorder struct {
	sink   Sink
	logger *logging.Logger
	queue  chan Event

	// mu guards closed against the queue close in Close, so a Record racing
	// shutdown cannot send on a closed channel.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the drain goroutine.
func NewRecorder(sink Sink, logger *logging.Logger) *Recorder {
	r := &Recorder{
		sink:   sink,
		logger: logger,
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record enqueues an event without blocking. If the queue is full, or the
// recorder is already closed, the event is written straight to the fallback
// log and counted as dropped.
func (r *Recorder) Record(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.AuditDropped()
		r.fallback(event, "audit recorder closed")
		return
	}
	select {
	case r.queue <- event:
	default:
		metrics.AuditDropped()
		r.fallback(event, "audit queue full")
	}
}

func (r *Recorder) drain() {
	defer close(r.done)
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		err := r.sink.Record(ctx, event)
		cancel()
		if err != nil {
			metrics.AuditFailure()
			r.fallback(event, err.Error())
		}
	}
}

func (r *Recorder) fallback(event Event, cause string) {
	line, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("audit fallback: unmarshalable event for %s: %s", event.Path, cause)
		return
	}
	r.logger.Error("audit sink failure (%s), event: %s", cause, line)
}

// Close stops accepting events, drains the queue, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
	case <-time.After(drainCloseTimeout):
		r.logger.Warn("audit recorder close timed out with events still queued")
	}
	return r.sink.Close()
}
