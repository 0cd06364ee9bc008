package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/invoisio/ledger/internal/circuitbreaker"
	"github.com/invoisio/ledger/internal/httputil"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/storage"
	"github.com/rs/zerolog"
)

// QueuePublisher persists each event as a delivery for QueueWorker. Unlike
// WebhookPublisher, pending deliveries survive a restart.
type QueuePublisher struct {
	queue    storage.DeliveryQueue
	url      string
	headers  map[string]string
	retryCfg RetryConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewQueuePublisher creates a queue sink.
func NewQueuePublisher(queue storage.DeliveryQueue, url string, headers map[string]string, retryCfg RetryConfig, logger zerolog.Logger, m *metrics.Metrics) *QueuePublisher {
	return &QueuePublisher{
		queue:    queue,
		url:      url,
		headers:  headers,
		retryCfg: retryCfg,
		logger:   logger,
		metrics:  m,
	}
}

// Publish implements Publisher.
func (p *QueuePublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	now := time.Now().UTC()
	id, err := p.queue.EnqueueDelivery(ctx, storage.Delivery{
		EventID:       evt.ID,
		Topic:         evt.Topic.String(),
		URL:           p.url,
		Payload:       json.RawMessage(payload),
		Headers:       p.headers,
		Status:        storage.DeliveryPending,
		MaxAttempts:   p.retryCfg.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}

	p.metrics.ObserveEventPublished(evt.Topic.String(), "queue")
	p.logger.Debug().
		Str("delivery_id", id).
		Str("event_id", evt.ID).
		Msg("webhook.enqueued")
	return nil
}

// QueueWorker drains the delivery queue.
type QueueWorker struct {
	queue        storage.DeliveryQueue
	retryCfg     RetryConfig
	httpClient   *http.Client
	breakers     *circuitbreaker.Manager
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	batchSize    int

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// QueueWorkerOptions configures the queue worker.
type QueueWorkerOptions struct {
	Queue        storage.DeliveryQueue
	RetryConfig  RetryConfig
	Breakers     *circuitbreaker.Manager
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration // default: 1s
	BatchSize    int           // default: 10
}

// NewQueueWorker creates a worker. Call Start to begin polling.
func NewQueueWorker(opts QueueWorkerOptions) *QueueWorker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.RetryConfig.Timeout <= 0 {
		opts.RetryConfig = DefaultRetryConfig()
	}

	return &QueueWorker{
		queue:        opts.Queue,
		retryCfg:     opts.RetryConfig,
		httpClient:   httputil.NewClient(opts.RetryConfig.Timeout),
		breakers:     opts.Breakers,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start begins polling in the background.
func (w *QueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker and waits for the in-flight batch to finish.
func (w *QueueWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.doneChan
}

// Close implements io.Closer for lifecycle registration.
func (w *QueueWorker) Close() error {
	w.Stop()
	return nil
}

func (w *QueueWorker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("webhook_queue.started")
	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("webhook_queue.stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce claims one batch and attempts each delivery. It returns the
// number of deliveries attempted.
func (w *QueueWorker) ProcessOnce(ctx context.Context) int {
	claimed, err := w.queue.ClaimDeliveries(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("webhook_queue.claim_failed")
		return 0
	}
	w.metrics.ObserveQueueClaim(len(claimed))

	for _, d := range claimed {
		w.deliver(ctx, d)
	}
	return len(claimed)
}

func (w *QueueWorker) deliver(ctx context.Context, d storage.Delivery) {
	start := time.Now()
	err := send(ctx, w.httpClient, w.breakers, d.URL, d.Payload, d.Headers, w.retryCfg.Timeout)
	duration := time.Since(start)

	if err == nil {
		if markErr := w.queue.MarkDeliverySucceeded(ctx, d.ID); markErr != nil {
			w.logger.Error().Err(markErr).Str("delivery_id", d.ID).Msg("webhook_queue.mark_succeeded_failed")
		}
		w.metrics.ObserveWebhook("success", duration, d.Attempts, false)
		w.logger.Info().
			Str("delivery_id", d.ID).
			Str("event_id", d.EventID).
			Int("attempts", d.Attempts).
			Dur("duration", duration).
			Msg("webhook.delivered")
		return
	}

	next := time.Now().Add(w.retryCfg.Backoff(d.Attempts))
	if markErr := w.queue.MarkDeliveryFailed(ctx, d.ID, err.Error(), next); markErr != nil {
		w.logger.Error().Err(markErr).Str("delivery_id", d.ID).Msg("webhook_queue.mark_failed_failed")
		return
	}

	if d.IsExhausted() {
		w.metrics.ObserveWebhook("failed", duration, d.Attempts, true)
		w.logger.Error().
			Err(err).
			Str("delivery_id", d.ID).
			Str("event_id", d.EventID).
			Int("attempts", d.Attempts).
			Bool("circuit_open", circuitbreaker.IsOpen(err)).
			Msg("webhook.exhausted")
		return
	}

	w.metrics.ObserveWebhook("retry", duration, d.Attempts, false)
	w.logger.Warn().
		Err(err).
		Str("delivery_id", d.ID).
		Int("attempts", d.Attempts).
		Bool("circuit_open", circuitbreaker.IsOpen(err)).
		Time("next_attempt", next).
		Msg("webhook.retry_scheduled")
}
