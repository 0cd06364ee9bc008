package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the current state of a delivery in the queue.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"    // Waiting for delivery
	DeliveryProcessing DeliveryStatus = "processing" // Claimed by a worker
	DeliveryFailed     DeliveryStatus = "failed"     // Attempts exhausted
	DeliverySucceeded  DeliveryStatus = "succeeded"  // Delivered
)

// ParseDeliveryStatus accepts the status names above and the empty string (any status).
func ParseDeliveryStatus(raw string) (DeliveryStatus, bool) {
	switch s := DeliveryStatus(raw); s {
	case "", DeliveryPending, DeliveryProcessing, DeliveryFailed, DeliverySucceeded:
		return s, true
	default:
		return "", false
	}
}

// Delivery is one event bound for one webhook endpoint, persisted until it
// succeeds or runs out of attempts.
type Delivery struct {
	ID            string            `json:"id" bson:"_id"`
	EventID       string            `json:"eventId" bson:"event_id"`
	Topic         string            `json:"topic" bson:"topic"` // e.g. "payment.recorded"
	URL           string            `json:"url" bson:"url"`
	Payload       json.RawMessage   `json:"payload" bson:"payload"`
	Headers       map[string]string `json:"headers,omitempty" bson:"headers"`
	Status        DeliveryStatus    `json:"status" bson:"status"`
	Attempts      int               `json:"attempts" bson:"attempts"`
	MaxAttempts   int               `json:"maxAttempts" bson:"max_attempts"`
	LastError     string            `json:"lastError,omitempty" bson:"last_error"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty" bson:"last_attempt_at"`
	NextAttemptAt time.Time         `json:"nextAttemptAt" bson:"next_attempt_at"`
	CreatedAt     time.Time         `json:"createdAt" bson:"created_at"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty" bson:"completed_at"`
}

// IsDueAt reports whether a worker may claim the delivery at now.
func (d Delivery) IsDueAt(now time.Time) bool {
	switch d.Status {
	case DeliveryPending:
		return !d.NextAttemptAt.After(now)
	case DeliveryProcessing:
		return d.LastAttemptAt != nil && now.Sub(*d.LastAttemptAt) > DeliveryLease
	default:
		return false
	}
}

// IsExhausted reports whether no attempts remain.
func (d Delivery) IsExhausted() bool {
	return d.Attempts >= d.MaxAttempts
}

// prepareDelivery fills identifiers and defaults before insertion.
func prepareDelivery(d *Delivery, now time.Time) {
	if d.ID == "" {
		d.ID = "dlv_" + uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
