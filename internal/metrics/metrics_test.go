package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	m := New(prometheus.NewRegistry())

	if m.OperationsTotal == nil || m.OperationDuration == nil {
		t.Error("operation metrics should be initialized")
	}
	if m.PaymentsRecordedTotal == nil || m.PaymentAmountTotal == nil {
		t.Error("payment metrics should be initialized")
	}
	if m.EventsPublishedTotal == nil || m.EventsDroppedTotal == nil {
		t.Error("event metrics should be initialized")
	}
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("record_payment", "ok", 2*time.Millisecond)
	m.ObserveOperation("record_payment", "payment_already_recorded", time.Millisecond)
	m.ObserveOperation("record_payment", "ok", time.Millisecond)

	if got := promtest.ToFloat64(m.OperationsTotal.WithLabelValues("record_payment", "ok")); got != 2 {
		t.Errorf("ok count = %.0f, want 2", got)
	}
	if got := promtest.ToFloat64(m.OperationsTotal.WithLabelValues("record_payment", "payment_already_recorded")); got != 1 {
		t.Errorf("duplicate count = %.0f, want 1", got)
	}
}

func TestObservePaymentRecorded(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePaymentRecorded("XLM", 10_000_000)
	m.ObservePaymentRecorded("XLM", 5)

	if got := promtest.ToFloat64(m.PaymentsRecordedTotal.WithLabelValues("XLM")); got != 2 {
		t.Errorf("recorded = %.0f, want 2", got)
	}
	if got := promtest.ToFloat64(m.PaymentAmountTotal.WithLabelValues("XLM")); got != 10_000_005 {
		t.Errorf("amount = %.0f, want 10000005", got)
	}
}

func TestObserveWebhook(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveWebhook("success", 100*time.Millisecond, 1, false)
	m.ObserveWebhook("failed", 100*time.Millisecond, 3, false)
	m.ObserveWebhook("failed", 100*time.Millisecond, 7, true)

	if got := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed = %.0f, want 2", got)
	}
	if got := promtest.ToFloat64(m.WebhookRetriesTotal.WithLabelValues("3")); got != 1 {
		t.Errorf("retries for attempt 3 = %.0f, want 1", got)
	}
	if got := promtest.ToFloat64(m.WebhookRetriesTotal.WithLabelValues("5+")); got != 1 {
		t.Errorf("retries for attempt 5+ = %.0f, want 1", got)
	}
	if got := promtest.ToFloat64(m.WebhookExhaustedTotal); got != 1 {
		t.Errorf("exhausted = %.0f, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.ObserveOperation("get_payment", "ok", time.Millisecond)
	m.ObservePaymentRecorded("XLM", 1)
	m.ObserveEventDropped("payment.recorded")
	m.ObserveDBQuery("get_payment", "memory", time.Millisecond)
	MeasureDBQuery(m, "get_payment", "memory")()
}

func TestMeasureDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	MeasureDBQuery(m, "put_payment", "postgres")()

	if count := promtest.CollectAndCount(m.DBQueryDuration); count != 1 {
		t.Errorf("expected one db histogram series, got %d", count)
	}
}
