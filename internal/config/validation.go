package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Ledger.NativeIssuerPolicy == "" {
		c.Ledger.NativeIssuerPolicy = NativeIssuerFlag
	}
	c.Ledger.NativeIssuerPolicy = strings.ToLower(strings.TrimSpace(c.Ledger.NativeIssuerPolicy))
	if c.Auth.MessagePrefix == "" {
		c.Auth.MessagePrefix = "invoisio-ledger"
	}
	if c.Auth.NonceTTL.Duration <= 0 {
		c.Auth.NonceTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Auth.NonceCleanupInterval.Duration <= 0 {
		c.Auth.NonceCleanupInterval = Duration{Duration: time.Hour}
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}

	wh := &c.Events.Webhook
	if wh.Delivery == "" {
		wh.Delivery = DeliveryQueue
	}
	if wh.Timeout.Duration <= 0 {
		wh.Timeout = Duration{Duration: 5 * time.Second}
	}
	if wh.Retry.MaxAttempts <= 0 {
		wh.Retry.MaxAttempts = 5
	}
	if wh.Retry.InitialInterval.Duration <= 0 {
		wh.Retry.InitialInterval = Duration{Duration: time.Second}
	}
	if wh.Retry.MaxInterval.Duration <= 0 {
		wh.Retry.MaxInterval = Duration{Duration: 5 * time.Minute}
	}
	if wh.Retry.Multiplier < 1 {
		wh.Retry.Multiplier = 2.0
	}
	if wh.Queue.PollInterval.Duration <= 0 {
		wh.Queue.PollInterval = Duration{Duration: time.Second}
	}
	if wh.Queue.BatchSize <= 0 {
		wh.Queue.BatchSize = 10
	}

	return c.validate()
}

// validate rejects configurations the server cannot run with.
func (c *Config) validate() error {
	var errs []error

	switch c.Ledger.NativeIssuerPolicy {
	case NativeIssuerFlag, NativeIssuerReject:
	default:
		errs = append(errs, fmt.Errorf("ledger.native_issuer_policy must be %q or %q, got %q",
			NativeIssuerFlag, NativeIssuerReject, c.Ledger.NativeIssuerPolicy))
	}

	if c.Ledger.BootstrapAdmin != "" {
		if _, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.Ledger.BootstrapAdmin)); err != nil {
			errs = append(errs, fmt.Errorf("ledger.bootstrap_admin is not a valid public key: %w", err))
		}
	}

	switch c.Storage.Backend {
	case "", "memory", "file":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres backend"))
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, errors.New("storage.mongodb_url is required for the mongodb backend"))
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, errors.New("storage.mongodb_database is required for the mongodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	wh := c.Events.Webhook
	switch wh.Delivery {
	case DeliveryDirect, DeliveryQueue:
	default:
		errs = append(errs, fmt.Errorf("events.webhook.delivery must be %q or %q, got %q",
			DeliveryDirect, DeliveryQueue, wh.Delivery))
	}
	if wh.URL != "" {
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("events.webhook.url %q must be an absolute http(s) URL", wh.URL))
		}
	}

	if c.CircuitBreaker.Webhook.FailureRatio < 0 || c.CircuitBreaker.Webhook.FailureRatio > 1 {
		errs = append(errs, errors.New("circuit_breaker.webhook.failure_ratio must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
