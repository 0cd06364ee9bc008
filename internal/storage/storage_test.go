package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/payment"
)

const (
	testAdmin = payment.Identity("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")
	testPayer = payment.Identity("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
)

// storeFactories lets every behavioral test run against each in-process backend.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
			if err != nil {
				t.Fatalf("NewFileStore failed: %v", err)
			}
			return s
		},
	}
}

func sampleRecord(invoiceID string) payment.Record {
	return payment.Record{
		InvoiceID: invoiceID,
		Payer:     testPayer,
		AssetCode: payment.NativeAssetCode,
		Amount:    10_000_000,
	}
}

func TestStore_AdminLifecycle(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer store.Close()
			ctx := context.Background()

			if _, err := store.Admin(ctx); err != apierrors.ErrNotInitialized {
				t.Fatalf("Admin before init = %v, want NotInitialized", err)
			}
			if err := store.ReplaceAdmin(ctx, testPayer); err != apierrors.ErrNotInitialized {
				t.Fatalf("ReplaceAdmin before init = %v, want NotInitialized", err)
			}
			if err := store.InitializeAdmin(ctx, testAdmin); err != nil {
				t.Fatalf("InitializeAdmin failed: %v", err)
			}
			if err := store.InitializeAdmin(ctx, testPayer); err != apierrors.ErrAlreadyInitialized {
				t.Fatalf("second InitializeAdmin = %v, want AlreadyInitialized", err)
			}

			admin, err := store.Admin(ctx)
			if err != nil {
				t.Fatalf("Admin failed: %v", err)
			}
			if admin != testAdmin {
				t.Errorf("admin = %s, want %s", admin, testAdmin)
			}

			if err := store.ReplaceAdmin(ctx, testPayer); err != nil {
				t.Fatalf("ReplaceAdmin failed: %v", err)
			}
			admin, _ = store.Admin(ctx)
			if admin != testPayer {
				t.Errorf("admin after replace = %s, want %s", admin, testPayer)
			}
		})
	}
}

func TestStore_PaymentsAreWriteOnce(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer store.Close()
			ctx := context.Background()

			if _, err := store.GetPayment(ctx, "INV-1"); err != apierrors.ErrPaymentNotFound {
				t.Fatalf("GetPayment on empty store = %v, want PaymentNotFound", err)
			}

			rec := sampleRecord("INV-1")
			if err := store.PutPaymentIfAbsent(ctx, rec); err != nil {
				t.Fatalf("PutPaymentIfAbsent failed: %v", err)
			}

			dup := rec
			dup.Amount = 1
			if err := store.PutPaymentIfAbsent(ctx, dup); err != apierrors.ErrPaymentAlreadyRecorded {
				t.Fatalf("duplicate put = %v, want PaymentAlreadyRecorded", err)
			}

			got, err := store.GetPayment(ctx, "INV-1")
			if err != nil {
				t.Fatalf("GetPayment failed: %v", err)
			}
			if got != rec {
				t.Errorf("stored record = %+v, want %+v", got, rec)
			}

			count, err := store.PaymentCount(ctx)
			if err != nil {
				t.Fatalf("PaymentCount failed: %v", err)
			}
			if count != 1 {
				t.Errorf("count = %d, want 1", count)
			}

			ok, err := store.HasPayment(ctx, "INV-1")
			if err != nil || !ok {
				t.Errorf("HasPayment(INV-1) = %v, %v; want true", ok, err)
			}
			ok, err = store.HasPayment(ctx, "INV-2")
			if err != nil || ok {
				t.Errorf("HasPayment(INV-2) = %v, %v; want false", ok, err)
			}
		})
	}
}

func TestStore_ConcurrentPutsKeepCountConsistent(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer store.Close()
			ctx := context.Background()

			const writers = 20
			var wg sync.WaitGroup
			var mu sync.Mutex
			successes := 0
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := store.PutPaymentIfAbsent(ctx, sampleRecord("INV-RACE")); err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if successes != 1 {
				t.Errorf("successful writes = %d, want 1", successes)
			}
			count, _ := store.PaymentCount(ctx)
			if count != 1 {
				t.Errorf("count = %d, want 1", count)
			}
		})
	}
}

func TestStore_NonceLifecycle(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer store.Close()
			ctx := context.Background()

			nonce, err := NewAuthNonce("record_payment", time.Minute, time.Now())
			if err != nil {
				t.Fatalf("NewAuthNonce failed: %v", err)
			}
			if err := store.CreateNonce(ctx, nonce); err != nil {
				t.Fatalf("CreateNonce failed: %v", err)
			}
			if err := store.ConsumeNonces(ctx, "set_admin", []string{nonce.ID}); !errors.Is(err, ErrNoncePurpose) {
				t.Errorf("ConsumeNonces(other purpose) = %v, want ErrNoncePurpose", err)
			}
			if err := store.ConsumeNonces(ctx, "record_payment", []string{nonce.ID}); err != nil {
				t.Fatalf("ConsumeNonces failed: %v", err)
			}
			if err := store.ConsumeNonces(ctx, "record_payment", []string{nonce.ID}); !errors.Is(err, ErrNonceConsumed) {
				t.Errorf("second ConsumeNonces = %v, want ErrNonceConsumed", err)
			}
			if err := store.ConsumeNonces(ctx, "record_payment", []string{"missing"}); !errors.Is(err, ErrNonceNotFound) {
				t.Errorf("ConsumeNonces(missing) = %v, want ErrNonceNotFound", err)
			}

			expired, _ := NewAuthNonce("set_admin", time.Minute, time.Now().Add(-time.Hour))
			if err := store.CreateNonce(ctx, expired); err != nil {
				t.Fatalf("CreateNonce failed: %v", err)
			}
			if err := store.ConsumeNonces(ctx, "set_admin", []string{expired.ID}); !errors.Is(err, ErrNonceExpired) {
				t.Errorf("ConsumeNonces(expired) = %v, want ErrNonceExpired", err)
			}

			removed, err := store.CleanupExpiredNonces(ctx)
			if err != nil {
				t.Fatalf("CleanupExpiredNonces failed: %v", err)
			}
			if removed != 1 {
				t.Errorf("removed = %d, want 1", removed)
			}
		})
	}
}

func TestStore_ConsumeNoncesIsAllOrNothing(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer store.Close()
			ctx := context.Background()

			first, _ := NewAuthNonce("set_admin", time.Minute, time.Now())
			second, _ := NewAuthNonce("set_admin", time.Minute, time.Now())
			for _, n := range []AuthNonce{first, second} {
				if err := store.CreateNonce(ctx, n); err != nil {
					t.Fatalf("CreateNonce failed: %v", err)
				}
			}

			if err := store.ConsumeNonces(ctx, "set_admin", []string{first.ID, "missing"}); !errors.Is(err, ErrNonceNotFound) {
				t.Fatalf("ConsumeNonces(with missing) = %v, want ErrNonceNotFound", err)
			}
			if err := store.ConsumeNonces(ctx, "set_admin", []string{first.ID, first.ID}); !errors.Is(err, ErrNonceConsumed) {
				t.Fatalf("ConsumeNonces(repeated) = %v, want ErrNonceConsumed", err)
			}
			// Neither failed batch may have used up the first nonce.
			if err := store.ConsumeNonces(ctx, "set_admin", []string{first.ID, second.ID}); err != nil {
				t.Fatalf("ConsumeNonces(both) failed: %v", err)
			}
			if err := store.ConsumeNonces(ctx, "set_admin", []string{second.ID}); !errors.Is(err, ErrNonceConsumed) {
				t.Errorf("ConsumeNonces(second again) = %v, want ErrNonceConsumed", err)
			}
		})
	}
}

func TestStore_DeliveryQueue(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer store.Close()
			ctx := context.Background()

			id, err := store.EnqueueDelivery(ctx, Delivery{
				EventID:     "evt_1",
				Topic:       "payment.recorded",
				URL:         "https://example.com/hook",
				Payload:     json.RawMessage(`{"invoiceId":"INV-1"}`),
				MaxAttempts: 2,
			})
			if err != nil {
				t.Fatalf("EnqueueDelivery failed: %v", err)
			}

			claimed, err := store.ClaimDeliveries(ctx, 10)
			if err != nil {
				t.Fatalf("ClaimDeliveries failed: %v", err)
			}
			if len(claimed) != 1 || claimed[0].ID != id {
				t.Fatalf("claimed = %+v, want delivery %s", claimed, id)
			}
			if claimed[0].Attempts != 1 || claimed[0].Status != DeliveryProcessing {
				t.Errorf("claimed attempts=%d status=%s", claimed[0].Attempts, claimed[0].Status)
			}

			again, _ := store.ClaimDeliveries(ctx, 10)
			if len(again) != 0 {
				t.Errorf("claimed %d deliveries while lease held, want 0", len(again))
			}

			// First failure schedules a retry in the past so it is due at once.
			if err := store.MarkDeliveryFailed(ctx, id, "502 bad gateway", time.Now().Add(-time.Second)); err != nil {
				t.Fatalf("MarkDeliveryFailed failed: %v", err)
			}
			d, _ := store.GetDelivery(ctx, id)
			if d.Status != DeliveryPending || d.LastError != "502 bad gateway" {
				t.Errorf("after first failure status=%s lastError=%q", d.Status, d.LastError)
			}

			claimed, _ = store.ClaimDeliveries(ctx, 10)
			if len(claimed) != 1 {
				t.Fatalf("claimed %d on retry, want 1", len(claimed))
			}
			if err := store.MarkDeliveryFailed(ctx, id, "timeout", time.Now()); err != nil {
				t.Fatalf("MarkDeliveryFailed failed: %v", err)
			}
			d, _ = store.GetDelivery(ctx, id)
			if d.Status != DeliveryFailed || d.CompletedAt == nil {
				t.Errorf("exhausted delivery status=%s completedAt=%v", d.Status, d.CompletedAt)
			}

			failed, _ := store.ListDeliveries(ctx, DeliveryFailed, 10)
			if len(failed) != 1 {
				t.Errorf("failed deliveries = %d, want 1", len(failed))
			}

			if err := store.RetryDelivery(ctx, id); err != nil {
				t.Fatalf("RetryDelivery failed: %v", err)
			}
			claimed, _ = store.ClaimDeliveries(ctx, 10)
			if len(claimed) != 1 || claimed[0].Attempts != 1 {
				t.Fatalf("after retry claimed = %+v", claimed)
			}
			if err := store.MarkDeliverySucceeded(ctx, id); err != nil {
				t.Fatalf("MarkDeliverySucceeded failed: %v", err)
			}
			d, _ = store.GetDelivery(ctx, id)
			if d.Status != DeliverySucceeded {
				t.Errorf("status = %s, want succeeded", d.Status)
			}

			if err := store.RetryDelivery(ctx, "dlv_missing"); err != ErrNotFound {
				t.Errorf("RetryDelivery(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ctx := context.Background()

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := store.InitializeAdmin(ctx, testAdmin); err != nil {
		t.Fatalf("InitializeAdmin failed: %v", err)
	}
	if err := store.PutPaymentIfAbsent(ctx, sampleRecord("INV-1")); err != nil {
		t.Fatalf("PutPaymentIfAbsent failed: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	admin, err := reopened.Admin(ctx)
	if err != nil || admin != testAdmin {
		t.Errorf("Admin after reopen = %s, %v", admin, err)
	}
	count, _ := reopened.PaymentCount(ctx)
	if count != 1 {
		t.Errorf("count after reopen = %d, want 1", count)
	}
	if _, err := reopened.GetPayment(ctx, "INV-1"); err != nil {
		t.Errorf("GetPayment after reopen: %v", err)
	}
}

func TestNewStore_Backends(t *testing.T) {
	ctx := context.Background()

	mem, err := NewStore(ctx, StoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	defer mem.Close()
	if mem.Backend() != "memory" {
		t.Errorf("backend = %s, want memory", mem.Backend())
	}

	file, err := NewStore(ctx, StoreConfig{FilePath: filepath.Join(t.TempDir(), "l.json")})
	if err != nil {
		t.Fatalf("auto-detected file backend: %v", err)
	}
	if file.Backend() != "file" {
		t.Errorf("backend = %s, want file", file.Backend())
	}

	if _, err := NewStore(ctx, StoreConfig{Backend: "postgres"}); err == nil {
		t.Error("expected error for postgres without url")
	}
	if _, err := NewStore(ctx, StoreConfig{Backend: "redis"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
