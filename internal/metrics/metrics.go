package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ledger operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Recorded payment metrics
	PaymentsRecordedTotal  *prometheus.CounterVec
	PaymentAmountTotal     *prometheus.CounterVec
	NativeIssuerFlagsTotal prometheus.Counter
	AdminChangesTotal      *prometheus.CounterVec

	// Event metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal            *prometheus.CounterVec
	WebhookRetriesTotal      *prometheus.CounterVec
	WebhookExhaustedTotal    prometheus.Counter
	WebhookDuration          prometheus.Histogram
	WebhookQueueClaimedTotal prometheus.Counter

	// Authorization metrics
	NoncesIssuedTotal *prometheus.CounterVec
	AuthFailuresTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Ledger operations by outcome (ok, a ledger error name, unauthorized, internal)",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger operation latency including storage",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"operation"},
		),

		PaymentsRecordedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payments_recorded_total",
				Help: "Payments recorded, by asset code",
			},
			[]string{"asset"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payment_amount_total",
				Help: "Sum of recorded amounts in the asset's smallest unit",
			},
			[]string{"asset"},
		),
		NativeIssuerFlagsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_native_issuer_flags_total",
				Help: "Native-asset payments accepted with a non-empty issuer",
			},
		),
		AdminChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_admin_changes_total",
				Help: "Admin initializations and rotations",
			},
			[]string{"kind"},
		),

		EventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_published_total",
				Help: "Events handed to a sink",
			},
			[]string{"topic", "sink"},
		),
		EventsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_dropped_total",
				Help: "Events dropped because the dispatch buffer was full or closed",
			},
			[]string{"topic"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_webhooks_total",
				Help: "Webhook delivery attempts by status",
			},
			[]string{"status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_webhook_retries_total",
				Help: "Webhook retry attempts by attempt number",
			},
			[]string{"attempt"},
		),
		WebhookExhaustedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_webhook_exhausted_total",
				Help: "Webhooks that failed after all attempts",
			},
		),
		WebhookDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_webhook_duration_seconds",
				Help:    "Time taken for a single webhook attempt",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
		WebhookQueueClaimedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_webhook_queue_claimed_total",
				Help: "Queued deliveries claimed by the worker",
			},
		),

		NoncesIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_nonces_issued_total",
				Help: "One-time signing nonces issued, by purpose",
			},
			[]string{"purpose"},
		),
		AuthFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_auth_failures_total",
				Help: "Rejected authorization proofs by reason",
			},
			[]string{"reason"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveOperation records one ledger call and how it ended.
func (m *Metrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObservePaymentRecorded counts a newly recorded payment.
func (m *Metrics) ObservePaymentRecorded(assetCode string, amount int64) {
	if m == nil {
		return
	}
	m.PaymentsRecordedTotal.WithLabelValues(assetCode).Inc()
	m.PaymentAmountTotal.WithLabelValues(assetCode).Add(float64(amount))
}

// ObserveNativeIssuerFlag counts a native payment that carried an issuer.
func (m *Metrics) ObserveNativeIssuerFlag() {
	if m == nil {
		return
	}
	m.NativeIssuerFlagsTotal.Inc()
}

// ObserveAdminChange records an admin initialization or rotation.
func (m *Metrics) ObserveAdminChange(kind string) {
	if m == nil {
		return
	}
	m.AdminChangesTotal.WithLabelValues(kind).Inc()
}

// ObserveEventPublished records an event handed to a sink.
func (m *Metrics) ObserveEventPublished(topic, sink string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(topic, sink).Inc()
}

// ObserveEventDropped records an event that never reached a sink.
func (m *Metrics) ObserveEventDropped(topic string) {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.WithLabelValues(topic).Inc()
}

// ObserveWebhook records a single webhook attempt.
func (m *Metrics) ObserveWebhook(status string, duration time.Duration, attempt int, exhausted bool) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(status).Inc()
	m.WebhookDuration.Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(formatAttempt(attempt)).Inc()
	}
	if exhausted {
		m.WebhookExhaustedTotal.Inc()
	}
}

// ObserveQueueClaim records deliveries claimed from the persistent queue.
func (m *Metrics) ObserveQueueClaim(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WebhookQueueClaimedTotal.Add(float64(n))
}

// ObserveNonceIssued records a nonce handed to a signer.
func (m *Metrics) ObserveNonceIssued(purpose string) {
	if m == nil {
		return
	}
	m.NoncesIssuedTotal.WithLabelValues(purpose).Inc()
}

// ObserveAuthFailure records a rejected proof.
func (m *Metrics) ObserveAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
