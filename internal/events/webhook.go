package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/invoisio/ledger/internal/circuitbreaker"
	"github.com/invoisio/ledger/internal/httputil"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/rs/zerolog"
)

// WebhookPublisher posts events to a URL, retrying with exponential backoff.
// Publish blocks until delivery succeeds or attempts run out, so it belongs
// behind a Dispatcher.
type WebhookPublisher struct {
	url        string
	headers    map[string]string
	retryCfg   RetryConfig
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	sleep      func(context.Context, time.Duration) error
}

// WebhookOption customizes a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger zerolog.Logger) WebhookOption {
	return func(p *WebhookPublisher) { p.logger = logger }
}

// WithRetryConfig sets retry behavior.
func WithRetryConfig(cfg RetryConfig) WebhookOption {
	return func(p *WebhookPublisher) { p.retryCfg = cfg }
}

// WithCircuitBreaker routes sends through the webhook breaker.
func WithCircuitBreaker(m *circuitbreaker.Manager) WebhookOption {
	return func(p *WebhookPublisher) { p.breakers = m }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) WebhookOption {
	return func(p *WebhookPublisher) { p.metrics = m }
}

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) WebhookOption {
	return func(p *WebhookPublisher) { p.headers = headers }
}

// NewWebhookPublisher creates a direct webhook sink for url.
func NewWebhookPublisher(url string, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		url:      url,
		retryCfg: DefaultRetryConfig(),
		logger:   zerolog.Nop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.httpClient = httputil.NewClient(p.retryCfg.Timeout)
	return p
}

// Publish implements Publisher.
func (p *WebhookPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= p.retryCfg.MaxAttempts; attempt++ {
		lastErr = send(ctx, p.httpClient, p.breakers, p.url, payload, p.headers, p.retryCfg.Timeout)
		if lastErr == nil {
			p.metrics.ObserveWebhook("success", time.Since(start), attempt, false)
			p.metrics.ObserveEventPublished(evt.Topic.String(), "webhook")
			if attempt > 1 {
				p.logger.Info().
					Str("event_id", evt.ID).
					Int("attempt", attempt).
					Msg("webhook.succeeded_after_retry")
			}
			return nil
		}

		if circuitbreaker.IsOpen(lastErr) {
			// Further attempts would be refused until the breaker half-opens.
			p.metrics.ObserveWebhook("failed", time.Since(start), attempt, true)
			p.logger.Warn().
				Err(lastErr).
				Str("event_id", evt.ID).
				Str("invoice_id", evt.Record.InvoiceID).
				Int("attempt", attempt).
				Msg("webhook.circuit_open")
			return fmt.Errorf("webhook skipped: %w", lastErr)
		}
		if attempt == p.retryCfg.MaxAttempts {
			break
		}
		wait := p.retryCfg.Backoff(attempt)
		p.logger.Warn().
			Err(lastErr).
			Str("event_id", evt.ID).
			Int("attempt", attempt).
			Int("max_attempts", p.retryCfg.MaxAttempts).
			Dur("next_retry", wait).
			Msg("webhook.attempt_failed")
		if err := p.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	p.metrics.ObserveWebhook("failed", time.Since(start), p.retryCfg.MaxAttempts, true)
	p.logger.Error().
		Err(lastErr).
		Str("event_id", evt.ID).
		Str("invoice_id", evt.Record.InvoiceID).
		Msg("webhook.exhausted")
	return fmt.Errorf("webhook failed after %d attempts: %w", p.retryCfg.MaxAttempts, lastErr)
}

// send makes one delivery attempt, through the breaker when configured.
func send(ctx context.Context, client *http.Client, breakers *circuitbreaker.Manager, url string, payload []byte, headers map[string]string, timeout time.Duration) error {
	return breakers.Call(circuitbreaker.ServiceWebhook, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return httputil.PostJSON(reqCtx, client, url, payload, headers)
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
