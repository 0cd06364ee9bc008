package storage

import "time"

const (
	// CleanupInterval is how often in-process backends purge expired nonces.
	CleanupInterval = 1 * time.Hour

	// DeliveryLease is how long a claimed delivery may stay in processing before
	// another worker is allowed to reclaim it.
	DeliveryLease = 5 * time.Minute

	// DefaultMaxAttempts applies when a delivery is enqueued without a limit.
	DefaultMaxAttempts = 5
)

// Default table/collection names.
const (
	DefaultStateTable      = "ledger_state"
	DefaultPaymentsTable   = "ledger_payments"
	DefaultNoncesTable     = "ledger_auth_nonces"
	DefaultDeliveriesTable = "ledger_event_deliveries"
)
