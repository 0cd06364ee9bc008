package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invoisio/ledger/internal/circuitbreaker"
	"github.com/invoisio/ledger/internal/config"
	"github.com/rs/zerolog"
)

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		Timeout:         time.Second,
	}
}

func TestWebhookPublisher_SuccessFirstAttempt(t *testing.T) {
	var requestCount atomic.Int32
	var gotEvent Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&gotEvent)
		if r.Header.Get("X-Webhook-Secret") != "s3cret" {
			t.Errorf("missing configured header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewWebhookPublisher(server.URL,
		WithRetryConfig(fastRetry(3)),
		WithHeaders(map[string]string{"X-Webhook-Secret": "s3cret"}),
		WithWebhookLogger(zerolog.Nop()),
	)

	evt := NewPaymentRecorded(testRecord("INV-1"))
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if count := requestCount.Load(); count != 1 {
		t.Errorf("Expected 1 request, got %d", count)
	}
	if gotEvent.ID != evt.ID || gotEvent.Record.InvoiceID != "INV-1" {
		t.Errorf("received event %+v", gotEvent)
	}
}

func TestWebhookPublisher_RetryAfterFailures(t *testing.T) {
	var requestCount atomic.Int32
	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt Event
		_ = json.NewDecoder(r.Body).Decode(&evt)
		ids = append(ids, evt.ID)
		if requestCount.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewWebhookPublisher(server.URL, WithRetryConfig(fastRetry(5)))
	if err := p.Publish(context.Background(), NewPaymentRecorded(testRecord("INV-1"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if count := requestCount.Load(); count != 3 {
		t.Errorf("Expected 3 requests, got %d", count)
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Errorf("event id changed across retries: %v", ids)
		}
	}
}

func TestWebhookPublisher_Exhausted(t *testing.T) {
	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewWebhookPublisher(server.URL, WithRetryConfig(fastRetry(3)))
	if err := p.Publish(context.Background(), NewPaymentRecorded(testRecord("INV-1"))); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if count := requestCount.Load(); count != 3 {
		t.Errorf("Expected 3 requests, got %d", count)
	}
}

func TestWebhookPublisher_BreakerShortCircuits(t *testing.T) {
	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		Enabled: true,
		Webhook: circuitbreaker.BreakerConfig{
			MaxRequests:         1,
			Timeout:             time.Minute,
			ConsecutiveFailures: 2,
		},
		Logger: zerolog.Nop(),
	})
	var logs bytes.Buffer
	p := NewWebhookPublisher(server.URL,
		WithRetryConfig(fastRetry(5)),
		WithCircuitBreaker(breakers),
		WithWebhookLogger(zerolog.New(&logs)),
	)

	err := p.Publish(context.Background(), NewPaymentRecorded(testRecord("INV-1")))
	if !circuitbreaker.IsOpen(err) {
		t.Errorf("Publish = %v, want open-breaker error", err)
	}
	if count := requestCount.Load(); count != 2 {
		t.Errorf("requests reaching server = %d, want 2 before the breaker opens", count)
	}
	if state := breakers.State(circuitbreaker.ServiceWebhook); state != "open" {
		t.Errorf("breaker state = %s, want open", state)
	}
	// Attempts stop at the first refused call instead of running out the budget.
	if !strings.Contains(logs.String(), `"message":"webhook.circuit_open"`) {
		t.Errorf("logs = %s, want webhook.circuit_open", logs.String())
	}
	if strings.Contains(logs.String(), "webhook.exhausted") {
		t.Errorf("logs = %s, publisher kept retrying after the breaker opened", logs.String())
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{InitialInterval: time.Second, MaxInterval: 10 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryConfigFromApp(t *testing.T) {
	rc := RetryConfigFromApp(config.WebhookConfig{
		Timeout: config.Duration{Duration: 3 * time.Second},
		Retry:   config.RetryConfig{MaxAttempts: 7},
	})
	if rc.MaxAttempts != 7 || rc.Timeout != 3*time.Second {
		t.Errorf("got %+v", rc)
	}
	if rc.InitialInterval != time.Second || rc.Multiplier != 2.0 {
		t.Errorf("defaults not kept: %+v", rc)
	}
}
