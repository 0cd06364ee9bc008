package storage

import (
	"fmt"
	"sort"
	"time"

	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/payment"
)

// ledgerState is the in-process representation shared by MemoryStore and
// FileStore. It is not safe for concurrent use; the owning store locks.
//
// Every mutation returns an undo func so FileStore can roll the in-memory
// copy back when persisting to disk fails.
type ledgerState struct {
	Admin      payment.Identity         `json:"admin,omitempty"`
	Payments   map[string]storedPayment `json:"payments"`
	Count      uint64                   `json:"paymentCount"`
	Nonces     map[string]AuthNonce     `json:"nonces"`
	Deliveries map[string]Delivery      `json:"deliveries"`
}

type storedPayment struct {
	payment.Record
	RecordedAt time.Time `json:"recordedAt"`
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		Payments:   make(map[string]storedPayment),
		Nonces:     make(map[string]AuthNonce),
		Deliveries: make(map[string]Delivery),
	}
}

// normalize replaces nil maps left by decoding an older or empty file.
func (s *ledgerState) normalize() {
	if s.Payments == nil {
		s.Payments = make(map[string]storedPayment)
	}
	if s.Nonces == nil {
		s.Nonces = make(map[string]AuthNonce)
	}
	if s.Deliveries == nil {
		s.Deliveries = make(map[string]Delivery)
	}
}

func noop() {}

func (s *ledgerState) initializeAdmin(admin payment.Identity) (func(), error) {
	if !s.Admin.IsZero() {
		return noop, apierrors.ErrAlreadyInitialized
	}
	s.Admin = admin
	return func() { s.Admin = "" }, nil
}

func (s *ledgerState) admin() (payment.Identity, error) {
	if s.Admin.IsZero() {
		return "", apierrors.ErrNotInitialized
	}
	return s.Admin, nil
}

func (s *ledgerState) replaceAdmin(admin payment.Identity) (func(), error) {
	if s.Admin.IsZero() {
		return noop, apierrors.ErrNotInitialized
	}
	prev := s.Admin
	s.Admin = admin
	return func() { s.Admin = prev }, nil
}

func (s *ledgerState) putPayment(rec payment.Record, now time.Time) (func(), error) {
	if _, exists := s.Payments[rec.InvoiceID]; exists {
		return noop, apierrors.ErrPaymentAlreadyRecorded
	}
	s.Payments[rec.InvoiceID] = storedPayment{Record: rec, RecordedAt: now}
	s.Count++
	return func() {
		delete(s.Payments, rec.InvoiceID)
		s.Count--
	}, nil
}

func (s *ledgerState) getPayment(invoiceID string) (payment.Record, error) {
	stored, ok := s.Payments[invoiceID]
	if !ok {
		return payment.Record{}, apierrors.ErrPaymentNotFound
	}
	return stored.Record, nil
}

func (s *ledgerState) createNonce(n AuthNonce) (func(), error) {
	if _, exists := s.Nonces[n.ID]; exists {
		return noop, fmt.Errorf("nonce %s already exists", n.ID)
	}
	s.Nonces[n.ID] = n
	return func() { delete(s.Nonces, n.ID) }, nil
}

func (s *ledgerState) consumeNonces(purpose string, ids []string, now time.Time) (func(), error) {
	if err := checkBatch(s.Nonces, purpose, ids, now); err != nil {
		return noop, err
	}

	prev := make(map[string]AuthNonce, len(ids))
	for _, id := range ids {
		n := s.Nonces[id]
		prev[id] = n
		n.ConsumedAt = ptrTime(now)
		s.Nonces[id] = n
	}
	return func() {
		for id, n := range prev {
			s.Nonces[id] = n
		}
	}, nil
}

func (s *ledgerState) cleanupNonces(now time.Time) int64 {
	var removed int64
	for id, n := range s.Nonces {
		if n.IsExpiredAt(now) {
			delete(s.Nonces, id)
			removed++
		}
	}
	return removed
}

func (s *ledgerState) enqueue(d Delivery, now time.Time) (string, func(), error) {
	prepareDelivery(&d, now)
	if _, exists := s.Deliveries[d.ID]; exists {
		return "", noop, fmt.Errorf("delivery %s already exists", d.ID)
	}
	s.Deliveries[d.ID] = d
	return d.ID, func() { delete(s.Deliveries, d.ID) }, nil
}

func (s *ledgerState) claim(limit int, now time.Time) ([]Delivery, func()) {
	var due []Delivery
	for _, d := range s.Deliveries {
		if d.IsDueAt(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	prevs := make([]Delivery, len(due))
	for i := range due {
		prevs[i] = due[i]
		due[i].Status = DeliveryProcessing
		due[i].Attempts++
		due[i].LastAttemptAt = ptrTime(now)
		s.Deliveries[due[i].ID] = due[i]
	}
	return due, func() {
		for _, p := range prevs {
			s.Deliveries[p.ID] = p
		}
	}
}

// updateDelivery applies fn to a stored delivery and returns an undo.
func (s *ledgerState) updateDelivery(id string, fn func(d *Delivery)) (func(), error) {
	d, ok := s.Deliveries[id]
	if !ok {
		return noop, ErrNotFound
	}
	prev := d
	fn(&d)
	s.Deliveries[id] = d
	return func() { s.Deliveries[id] = prev }, nil
}

func (s *ledgerState) markSucceeded(id string, now time.Time) (func(), error) {
	return s.updateDelivery(id, func(d *Delivery) {
		d.Status = DeliverySucceeded
		d.LastError = ""
		d.CompletedAt = ptrTime(now)
	})
}

func (s *ledgerState) markFailed(id, errMsg string, next, now time.Time) (func(), error) {
	return s.updateDelivery(id, func(d *Delivery) {
		d.LastError = errMsg
		if d.IsExhausted() {
			d.Status = DeliveryFailed
			d.CompletedAt = ptrTime(now)
			return
		}
		d.Status = DeliveryPending
		d.NextAttemptAt = next
	})
}

func (s *ledgerState) retry(id string, now time.Time) (func(), error) {
	return s.updateDelivery(id, func(d *Delivery) {
		d.Status = DeliveryPending
		d.Attempts = 0
		d.LastError = ""
		d.NextAttemptAt = now
		d.CompletedAt = nil
	})
}

func (s *ledgerState) getDelivery(id string) (Delivery, error) {
	d, ok := s.Deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

// listDeliveries returns newest first.
func (s *ledgerState) listDeliveries(status DeliveryStatus, limit int) []Delivery {
	var out []Delivery
	for _, d := range s.Deliveries {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
