package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/invoisio/ledger/internal/payment"
)

// Topic is a two-part event name. It encodes as a JSON array.
type Topic [2]string

// TopicPaymentRecorded is published once per successfully recorded payment.
var TopicPaymentRecorded = Topic{"payment", "recorded"}

// String joins the parts with a dot, e.g. "payment.recorded".
func (t Topic) String() string {
	return t[0] + "." + t[1]
}

// Event is an observable notification. EventID is the idempotency key:
// consumers must use it to discard duplicate deliveries.
type Event struct {
	ID        string         `json:"eventId"`
	Topic     Topic          `json:"topic"`
	EmittedAt time.Time      `json:"emittedAt"`
	Record    payment.Record `json:"record"`
}

// NewPaymentRecorded builds the event for a newly stored record.
func NewPaymentRecorded(rec payment.Record) Event {
	return Event{
		ID:        "evt_" + uuid.NewString(),
		Topic:     TopicPaymentRecorded,
		EmittedAt: time.Now().UTC(),
		Record:    rec,
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// FanOut publishes to every sink in order and joins their errors.
type FanOut []Publisher

// Publish implements Publisher.
func (f FanOut) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a recorder that holds up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.ch <- evt
	return nil
}

// Events returns the channel events arrive on.
func (r *Recorder) Events() <-chan Event {
	return r.ch
}
