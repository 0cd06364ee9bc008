package events

import (
	"context"
	"sync"

	"github.com/invoisio/ledger/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultBufferSize is used when NewDispatcher is given a non-positive size.
const DefaultBufferSize = 1024

// Dispatcher decouples emitters from sinks. Publish never blocks: events go
// into a bounded buffer drained by one goroutine, and are dropped (logged and
// counted) when the buffer is full. Events are delivered to the sink in the
// order they were accepted.
type Dispatcher struct {
	sink    Publisher
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher in front of sink.
func NewDispatcher(sink Publisher, bufferSize int, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		metrics: m,
		queue:   make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish implements Publisher. It returns nil even when the event is dropped.
func (d *Dispatcher) Publish(_ context.Context, evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(evt, "dispatcher closed")
		return nil
	}
	select {
	case d.queue <- evt:
	default:
		d.drop(evt, "buffer full")
	}
	return nil
}

func (d *Dispatcher) drop(evt Event, reason string) {
	d.metrics.ObserveEventDropped(evt.Topic.String())
	d.logger.Warn().
		Str("event_id", evt.ID).
		Str("topic", evt.Topic.String()).
		Str("invoice_id", evt.Record.InvoiceID).
		Str("reason", reason).
		Msg("event.dropped")
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for evt := range d.queue {
		if err := d.sink.Publish(context.Background(), evt); err != nil {
			d.logger.Error().
				Err(err).
				Str("event_id", evt.ID).
				Str("topic", evt.Topic.String()).
				Msg("event.sink_failed")
		}
	}
}

// Close stops accepting events and waits until buffered ones reach the sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return nil
}
