package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestQueuePublisher_EnqueuesDelivery(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	p := NewQueuePublisher(store, "https://example.com/hook", map[string]string{"X-Key": "v"}, fastRetry(4), zerolog.Nop(), nil)
	evt := NewPaymentRecorded(testRecord("INV-1"))
	if err := p.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	pending, _ := store.ListDeliveries(ctx, storage.DeliveryPending, 10)
	if len(pending) != 1 {
		t.Fatalf("pending deliveries = %d, want 1", len(pending))
	}
	d := pending[0]
	if d.EventID != evt.ID || d.Topic != "payment.recorded" || d.MaxAttempts != 4 {
		t.Errorf("delivery = %+v", d)
	}
}

func TestQueueWorker_DeliversAndRetries(t *testing.T) {
	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestCount.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())

	retry := fastRetry(3)
	retry.InitialInterval = 0
	retry.MaxInterval = 0

	pub := NewQueuePublisher(store, server.URL, nil, retry, zerolog.Nop(), m)
	if err := pub.Publish(ctx, NewPaymentRecorded(testRecord("INV-1"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	w := NewQueueWorker(QueueWorkerOptions{
		Queue:       store,
		RetryConfig: retry,
		Logger:      zerolog.Nop(),
		Metrics:     m,
	})

	if n := w.ProcessOnce(ctx); n != 1 {
		t.Fatalf("first pass attempted %d, want 1", n)
	}
	pending, _ := store.ListDeliveries(ctx, storage.DeliveryPending, 10)
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("after failure pending = %+v", pending)
	}

	if n := w.ProcessOnce(ctx); n != 1 {
		t.Fatalf("second pass attempted %d, want 1", n)
	}
	done, _ := store.ListDeliveries(ctx, storage.DeliverySucceeded, 10)
	if len(done) != 1 {
		t.Fatalf("succeeded deliveries = %d, want 1", len(done))
	}
	if got := testutil.ToFloat64(m.WebhooksTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("webhooks{success} = %v, want 1", got)
	}
}

func TestQueueWorker_MarksExhaustedFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	retry := fastRetry(1)
	pub := NewQueuePublisher(store, server.URL, nil, retry, zerolog.Nop(), nil)
	_ = pub.Publish(ctx, NewPaymentRecorded(testRecord("INV-1")))

	w := NewQueueWorker(QueueWorkerOptions{Queue: store, RetryConfig: retry, Logger: zerolog.Nop()})
	w.ProcessOnce(ctx)

	failed, _ := store.ListDeliveries(ctx, storage.DeliveryFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("failed deliveries = %d, want 1", len(failed))
	}
	if failed[0].LastError == "" {
		t.Error("last error not recorded")
	}
}
