package events

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the emitter channel capacity used when the caller
// does not specify one.
const DefaultBufferSize = 256

// Emitter fans engine events out to a single consumer channel. Emission
// never blocks the producer: a full buffer is given a bounded grace
// period to drain, after which the event is counted as dropped.
type Emitter struct {
	events       chan Event
	sendTimeout  time.Duration
	droppedCount atomic.Uint64
	closed       atomic.Bool
	logger       *zap.Logger
}

// NewEmitter creates an Emitter with the given buffer size and send
// timeout. A zero or negative buffer size falls back to
// DefaultBufferSize; a zero timeout means full buffers drop immediately.
func NewEmitter(bufferSize int, sendTimeout time.Duration, logger *zap.Logger) *Emitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		events:      make(chan Event, bufferSize),
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Emit delivers an event to the consumer channel. A zero Timestamp is
// filled in. If the buffer is full the send waits up to the configured
// timeout before dropping the event.
func (e *Emitter) Emit(event Event) {
	if e.closed.Load() {
		e.droppedCount.Add(1)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	if e.sendTimeout <= 0 {
		e.drop(event)
		return
	}

	timer := time.NewTimer(e.sendTimeout)
	defer timer.Stop()
	select {
	case e.events <- event:
	case <-timer.C:
		e.drop(event)
	}
}

func (e *Emitter) drop(event Event) {
	count := e.droppedCount.Add(1)
	// Log every 10th drop to avoid flooding a slow consumer's logs too.
	if count%10 == 1 {
		e.logger.Warn("event channel full, dropping event",
			zap.String("type", string(event.Type)),
			zap.Uint64("total_dropped", count))
	}
}

// DroppedCount returns the total number of events dropped so far.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read-only consumer channel.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close marks the emitter closed and closes the consumer channel. Close
// is idempotent; events emitted afterwards are counted as dropped.
func (e *Emitter) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.events)
	}
}
