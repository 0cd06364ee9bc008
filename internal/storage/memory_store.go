package storage

import (
	"context"
	"sync"
	"time"

	"github.com/invoisio/ledger/internal/payment"
)

// MemoryStore is an in-memory Store implementation suitable for tests and single-instance development.
// A single mutex covers all state so insert-and-count is one critical section.
type MemoryStore struct {
	mu          sync.RWMutex
	state       *ledgerState
	now         func() time.Time
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewMemoryStore constructs a MemoryStore and starts background nonce cleanup.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		state:       newLedgerState(),
		now:         func() time.Time { return time.Now().UTC() },
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	defer close(m.cleanupDone)

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			_, _ = m.CleanupExpiredNonces(context.Background())
		}
	}
}

// Backend implements Store.
func (m *MemoryStore) Backend() string { return "memory" }

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the cleanup goroutine. Safe to call more than once.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
		<-m.cleanupDone
	})
	return nil
}

// InitializeAdmin implements LedgerStore.
func (m *MemoryStore) InitializeAdmin(_ context.Context, admin payment.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.initializeAdmin(admin)
	return err
}

// Admin implements LedgerStore.
func (m *MemoryStore) Admin(_ context.Context) (payment.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.admin()
}

// ReplaceAdmin implements LedgerStore.
func (m *MemoryStore) ReplaceAdmin(_ context.Context, admin payment.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.replaceAdmin(admin)
	return err
}

// PutPaymentIfAbsent implements LedgerStore.
func (m *MemoryStore) PutPaymentIfAbsent(_ context.Context, rec payment.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.putPayment(rec, m.now())
	return err
}

// GetPayment implements LedgerStore.
func (m *MemoryStore) GetPayment(_ context.Context, invoiceID string) (payment.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPayment(invoiceID)
}

// HasPayment implements LedgerStore.
func (m *MemoryStore) HasPayment(_ context.Context, invoiceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.state.Payments[invoiceID]
	return ok, nil
}

// PaymentCount implements LedgerStore.
func (m *MemoryStore) PaymentCount(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Count, nil
}

// CreateNonce implements NonceStore.
func (m *MemoryStore) CreateNonce(_ context.Context, nonce AuthNonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.createNonce(nonce)
	return err
}

// ConsumeNonces implements NonceStore.
func (m *MemoryStore) ConsumeNonces(_ context.Context, purpose string, nonceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.consumeNonces(purpose, nonceIDs, m.now())
	return err
}

// CleanupExpiredNonces implements NonceStore.
func (m *MemoryStore) CleanupExpiredNonces(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.cleanupNonces(m.now()), nil
}

// EnqueueDelivery implements DeliveryQueue.
func (m *MemoryStore) EnqueueDelivery(_ context.Context, d Delivery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _, err := m.state.enqueue(d, m.now())
	return id, err
}

// ClaimDeliveries implements DeliveryQueue.
func (m *MemoryStore) ClaimDeliveries(_ context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claimed, _ := m.state.claim(limit, m.now())
	return claimed, nil
}

// MarkDeliverySucceeded implements DeliveryQueue.
func (m *MemoryStore) MarkDeliverySucceeded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.markSucceeded(id, m.now())
	return err
}

// MarkDeliveryFailed implements DeliveryQueue.
func (m *MemoryStore) MarkDeliveryFailed(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.markFailed(id, errMsg, nextAttemptAt.UTC(), m.now())
	return err
}

// GetDelivery implements DeliveryQueue.
func (m *MemoryStore) GetDelivery(_ context.Context, id string) (Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getDelivery(id)
}

// ListDeliveries implements DeliveryQueue.
func (m *MemoryStore) ListDeliveries(_ context.Context, status DeliveryStatus, limit int) ([]Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listDeliveries(status, limit), nil
}

// RetryDelivery implements DeliveryQueue.
func (m *MemoryStore) RetryDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.state.retry(id, m.now())
	return err
}
