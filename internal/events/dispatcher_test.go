package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func testRecord(invoiceID string) payment.Record {
	return payment.Record{
		InvoiceID: invoiceID,
		Payer:     "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		AssetCode: payment.NativeAssetCode,
		Amount:    10_000_000,
	}
}

func TestEvent_JSONShape(t *testing.T) {
	evt := NewPaymentRecorded(testRecord("INV-1"))
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	topic, ok := decoded["topic"].([]interface{})
	if !ok || len(topic) != 2 || topic[0] != "payment" || topic[1] != "recorded" {
		t.Errorf("topic = %v, want [payment recorded]", decoded["topic"])
	}
	record := decoded["record"].(map[string]interface{})
	if record["invoiceId"] != "INV-1" {
		t.Errorf("record.invoiceId = %v", record["invoiceId"])
	}
	if id, _ := decoded["eventId"].(string); len(id) < 5 || id[:4] != "evt_" {
		t.Errorf("eventId = %v, want evt_ prefix", decoded["eventId"])
	}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	rec := NewRecorder(10)
	d := NewDispatcher(rec, 10, zerolog.Nop(), nil)

	for _, id := range []string{"INV-1", "INV-2", "INV-3"} {
		if err := d.Publish(context.Background(), NewPaymentRecorded(testRecord(id))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, want := range []string{"INV-1", "INV-2", "INV-3"} {
		select {
		case evt := <-rec.Events():
			if evt.Record.InvoiceID != want {
				t.Errorf("got %s, want %s", evt.Record.InvoiceID, want)
			}
		default:
			t.Fatalf("missing event %s", want)
		}
	}
}

// blockingSink holds every Publish until release is closed.
type blockingSink struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingSink) Publish(ctx context.Context, evt Event) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(sink, 1, zerolog.Nop(), m)

	// First event is taken by the drain goroutine and blocks there.
	_ = d.Publish(context.Background(), NewPaymentRecorded(testRecord("INV-1")))
	select {
	case <-sink.started:
	case <-time.After(time.Second):
		t.Fatal("sink never received first event")
	}

	// Second fills the buffer, third is dropped.
	_ = d.Publish(context.Background(), NewPaymentRecorded(testRecord("INV-2")))
	_ = d.Publish(context.Background(), NewPaymentRecorded(testRecord("INV-3")))

	if got := testutil.ToFloat64(m.EventsDroppedTotal.WithLabelValues("payment.recorded")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}

	close(sink.release)
	_ = d.Close()
}

func TestDispatcher_PublishAfterCloseDrops(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(NoopPublisher{}, 4, zerolog.Nop(), m)
	_ = d.Close()
	_ = d.Close()

	if err := d.Publish(context.Background(), NewPaymentRecorded(testRecord("INV-1"))); err != nil {
		t.Errorf("Publish after close returned %v", err)
	}
	if got := testutil.ToFloat64(m.EventsDroppedTotal.WithLabelValues("payment.recorded")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestFanOut_PublishesToAll(t *testing.T) {
	a, b := NewRecorder(1), NewRecorder(1)
	if err := (FanOut{a, b}).Publish(context.Background(), NewPaymentRecorded(testRecord("INV-1"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("fan-out delivered %d/%d events", len(a.Events()), len(b.Events()))
	}
}
