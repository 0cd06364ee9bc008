package events

import (
	"context"

	"github.com/invoisio/ledger/internal/metrics"
	"github.com/rs/zerolog"
)

// LogPublisher writes each event to the structured log.
type LogPublisher struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewLogPublisher creates a log sink.
func NewLogPublisher(logger zerolog.Logger, m *metrics.Metrics) *LogPublisher {
	return &LogPublisher{logger: logger, metrics: m}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Info().
		Str("event_id", evt.ID).
		Str("topic", evt.Topic.String()).
		Str("invoice_id", evt.Record.InvoiceID).
		Str("payer", evt.Record.Payer.String()).
		Str("asset", evt.Record.AssetKey()).
		Int64("amount", evt.Record.Amount).
		Msg("event.published")
	p.metrics.ObserveEventPublished(evt.Topic.String(), "log")
	return nil
}
