package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/invoisio/ledger/internal/payment"
)

// FileStore implements Store on a single JSON file.
//
// Every mutation is written through before it returns: the file is replaced
// atomically (temp file, fsync, rename), and the in-memory copy is rolled back
// if the write fails. One process per file; there is no cross-process locking.
type FileStore struct {
	filePath string
	mu       sync.RWMutex
	state    *ledgerState
	now      func() time.Time
}

// NewFileStore opens (or creates) the JSON file at filePath.
func NewFileStore(filePath string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	store := &FileStore{
		filePath: filePath,
		state:    newLedgerState(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// load reads data from the file; a missing or empty file is an empty ledger.
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var st ledgerState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal ledger file: %w", err)
	}
	st.normalize()
	if uint64(len(st.Payments)) != st.Count {
		return fmt.Errorf("ledger file is inconsistent: %d payments but count %d", len(st.Payments), st.Count)
	}
	s.state = &st
	return nil
}

// persist writes the current state. Caller holds the write lock.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), filepath.Base(s.filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		cleanup()
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}

// mutate runs fn under the write lock and persists the result, undoing fn
// when the write fails.
func (s *FileStore) mutate(fn func() (func(), error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	undo, err := fn()
	if err != nil {
		return err
	}
	if err := s.persist(); err != nil {
		undo()
		return err
	}
	return nil
}

// Backend implements Store.
func (s *FileStore) Backend() string { return "file" }

// Ping implements Store.
func (s *FileStore) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

// Close implements Store. Writes are synchronous so there is nothing to flush.
func (s *FileStore) Close() error { return nil }

// InitializeAdmin implements LedgerStore.
func (s *FileStore) InitializeAdmin(_ context.Context, admin payment.Identity) error {
	return s.mutate(func() (func(), error) {
		return s.state.initializeAdmin(admin)
	})
}

// Admin implements LedgerStore.
func (s *FileStore) Admin(_ context.Context) (payment.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.admin()
}

// ReplaceAdmin implements LedgerStore.
func (s *FileStore) ReplaceAdmin(_ context.Context, admin payment.Identity) error {
	return s.mutate(func() (func(), error) {
		return s.state.replaceAdmin(admin)
	})
}

// PutPaymentIfAbsent implements LedgerStore.
func (s *FileStore) PutPaymentIfAbsent(_ context.Context, rec payment.Record) error {
	return s.mutate(func() (func(), error) {
		return s.state.putPayment(rec, s.now())
	})
}

// GetPayment implements LedgerStore.
func (s *FileStore) GetPayment(_ context.Context, invoiceID string) (payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getPayment(invoiceID)
}

// HasPayment implements LedgerStore.
func (s *FileStore) HasPayment(_ context.Context, invoiceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state.Payments[invoiceID]
	return ok, nil
}

// PaymentCount implements LedgerStore.
func (s *FileStore) PaymentCount(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Count, nil
}

// CreateNonce implements NonceStore.
func (s *FileStore) CreateNonce(_ context.Context, nonce AuthNonce) error {
	return s.mutate(func() (func(), error) {
		return s.state.createNonce(nonce)
	})
}

// ConsumeNonces implements NonceStore.
func (s *FileStore) ConsumeNonces(_ context.Context, purpose string, nonceIDs []string) error {
	return s.mutate(func() (func(), error) {
		return s.state.consumeNonces(purpose, nonceIDs, s.now())
	})
}

// CleanupExpiredNonces implements NonceStore.
func (s *FileStore) CleanupExpiredNonces(_ context.Context) (int64, error) {
	var removed int64
	err := s.mutate(func() (func(), error) {
		removed = s.state.cleanupNonces(s.now())
		return noop, nil
	})
	return removed, err
}

// EnqueueDelivery implements DeliveryQueue.
func (s *FileStore) EnqueueDelivery(_ context.Context, d Delivery) (string, error) {
	var id string
	err := s.mutate(func() (func(), error) {
		var (
			undo func()
			err  error
		)
		id, undo, err = s.state.enqueue(d, s.now())
		return undo, err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimDeliveries implements DeliveryQueue.
func (s *FileStore) ClaimDeliveries(_ context.Context, limit int) ([]Delivery, error) {
	var claimed []Delivery
	err := s.mutate(func() (func(), error) {
		var undo func()
		claimed, undo = s.state.claim(limit, s.now())
		return undo, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDeliverySucceeded implements DeliveryQueue.
func (s *FileStore) MarkDeliverySucceeded(_ context.Context, id string) error {
	return s.mutate(func() (func(), error) {
		return s.state.markSucceeded(id, s.now())
	})
}

// MarkDeliveryFailed implements DeliveryQueue.
func (s *FileStore) MarkDeliveryFailed(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	return s.mutate(func() (func(), error) {
		return s.state.markFailed(id, errMsg, nextAttemptAt.UTC(), s.now())
	})
}

// GetDelivery implements DeliveryQueue.
func (s *FileStore) GetDelivery(_ context.Context, id string) (Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getDelivery(id)
}

// ListDeliveries implements DeliveryQueue.
func (s *FileStore) ListDeliveries(_ context.Context, status DeliveryStatus, limit int) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listDeliveries(status, limit), nil
}

// RetryDelivery implements DeliveryQueue.
func (s *FileStore) RetryDelivery(_ context.Context, id string) error {
	return s.mutate(func() (func(), error) {
		return s.state.retry(id, s.now())
	})
}
