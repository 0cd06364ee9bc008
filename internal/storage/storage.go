package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/invoisio/ledger/internal/config"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
)

// ErrNotFound is returned when an auxiliary entity (nonce, delivery) is missing.
// Ledger lookups return apierrors.ErrPaymentNotFound / ErrNotInitialized instead.
var ErrNotFound = errors.New("storage: not found")

// LedgerStore persists the three pieces of ledger state: the admin identity,
// the invoice-keyed payment records and the payment count.
//
// Ledger failures are returned as apierrors.ErrorCode values so callers can
// compare them directly; anything else is an infrastructure fault.
type LedgerStore interface {
	// InitializeAdmin sets the admin if none is set.
	// Returns apierrors.ErrAlreadyInitialized otherwise.
	InitializeAdmin(ctx context.Context, admin payment.Identity) error
	// Admin returns apierrors.ErrNotInitialized before initialization.
	Admin(ctx context.Context) (payment.Identity, error)
	// ReplaceAdmin swaps the admin. Returns apierrors.ErrNotInitialized when unset.
	ReplaceAdmin(ctx context.Context, admin payment.Identity) error

	// PutPaymentIfAbsent inserts the record and increments the count as one
	// atomic step. Returns apierrors.ErrPaymentAlreadyRecorded when the invoice
	// id is taken; the count is untouched in that case.
	PutPaymentIfAbsent(ctx context.Context, rec payment.Record) error
	// GetPayment returns apierrors.ErrPaymentNotFound when absent.
	GetPayment(ctx context.Context, invoiceID string) (payment.Record, error)
	HasPayment(ctx context.Context, invoiceID string) (bool, error)
	PaymentCount(ctx context.Context) (uint64, error)
}

// NonceStore tracks one-time signing nonces for replay protection.
type NonceStore interface {
	CreateNonce(ctx context.Context, nonce AuthNonce) error
	// ConsumeNonces marks every nonce used, or none of them. Each must have
	// been issued for purpose. Returns ErrNonceNotFound, ErrNoncePurpose,
	// ErrNonceConsumed or ErrNonceExpired for the first one that cannot be used.
	ConsumeNonces(ctx context.Context, purpose string, nonceIDs []string) error
	CleanupExpiredNonces(ctx context.Context) (int64, error)
}

// DeliveryQueue persists outbound event deliveries so they survive restarts.
type DeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, d Delivery) (string, error)
	// ClaimDeliveries moves up to limit due deliveries into processing and
	// returns them. Deliveries stuck in processing longer than DeliveryLease
	// are claimable again.
	ClaimDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	MarkDeliverySucceeded(ctx context.Context, id string) error
	// MarkDeliveryFailed schedules a retry at nextAttemptAt, or marks the
	// delivery failed when its attempts are exhausted.
	MarkDeliveryFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	GetDelivery(ctx context.Context, id string) (Delivery, error)
	ListDeliveries(ctx context.Context, status DeliveryStatus, limit int) ([]Delivery, error)
	// RetryDelivery resets a delivery to pending with a fresh attempt budget.
	RetryDelivery(ctx context.Context, id string) error
}

// Store is everything the service persists.
type Store interface {
	LedgerStore
	NonceStore
	DeliveryQueue

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Backend names the implementation for logs and health output.
	Backend() string
	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	FilePath        string
	PostgresPool    config.PostgresPoolConfig

	Tables TableNames

	// Metrics is optional; database backends time their queries with it.
	Metrics *metrics.Metrics
}

// TableNames overrides table (postgres) or collection (mongodb) names.
// Empty fields keep the defaults.
type TableNames struct {
	State      string
	Payments   string
	Nonces     string
	Deliveries string
}

func (t TableNames) withDefaults() TableNames {
	if t.State == "" {
		t.State = DefaultStateTable
	}
	if t.Payments == "" {
		t.Payments = DefaultPaymentsTable
	}
	if t.Nonces == "" {
		t.Nonces = DefaultNoncesTable
	}
	if t.Deliveries == "" {
		t.Deliveries = DefaultDeliveriesTable
	}
	return t
}

// ConfigFromApp maps application config onto StoreConfig.
func ConfigFromApp(cfg config.StorageConfig) StoreConfig {
	return StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		FilePath:        cfg.FilePath,
		PostgresPool:    cfg.PostgresPool,
		Tables: TableNames{
			State:      cfg.SchemaMapping.State.TableName,
			Payments:   cfg.SchemaMapping.Payments.TableName,
			Nonces:     cfg.SchemaMapping.Nonces.TableName,
			Deliveries: cfg.SchemaMapping.Deliveries.TableName,
		},
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(ctx, cfg, nil)
}

// NewStoreWithDB creates a Store, reusing sharedDB for postgres when non-nil.
func NewStoreWithDB(ctx context.Context, cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		// Auto-detect: postgres > mongodb > file
		switch {
		case cfg.PostgresURL != "" || sharedDB != nil:
			backend = "postgres"
		case cfg.MongoDBURL != "":
			backend = "mongodb"
		default:
			backend = "file"
		}
	}

	switch backend {
	case "memory":
		// Loses every record on restart; tests and local runs only.
		return NewMemoryStore(), nil
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "./data/invoisio-ledger.json"
		}
		return NewFileStore(path)
	case "postgres":
		if sharedDB != nil {
			return NewPostgresStoreWithDB(ctx, sharedDB, cfg.Tables, cfg.Metrics)
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(ctx, cfg.PostgresURL, cfg.PostgresPool, cfg.Tables, cfg.Metrics)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		database := cfg.MongoDBDatabase
		if database == "" {
			database = "invoisio_ledger"
		}
		return NewMongoDBStore(ctx, cfg.MongoDBURL, database, cfg.Tables, cfg.Metrics)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MongoDBStore)(nil)
)
