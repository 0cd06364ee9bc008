package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err == nil {
		d.Duration = parsed
		return nil
	}
	if secs, convErr := time.ParseDuration(raw + "s"); convErr == nil {
		d.Duration = secs
		return nil
	}
	return fmt.Errorf("invalid duration value %q: %w", raw, err)
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Auth           AuthConfig           `yaml:"auth"`
	Storage        StorageConfig        `yaml:"storage"`
	Events         EventsConfig         `yaml:"events"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/ledger")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Protects /metrics when set
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// Native issuer policies.
const (
	NativeIssuerFlag   = "flag"   // accept, log a warning and count it
	NativeIssuerReject = "reject" // fail with invalid_asset
)

// LedgerConfig holds the ledger's policy switches.
type LedgerConfig struct {
	NativeIssuerPolicy          string `yaml:"native_issuer_policy"`           // "flag" (default) or "reject"
	RequireOutgoingAdminConsent bool   `yaml:"require_outgoing_admin_consent"` // set_admin also needs the current admin's proof
	BootstrapAdmin              string `yaml:"bootstrap_admin"`                // Initialize with this identity on first start
}

// AuthConfig holds signature authorization configuration.
type AuthConfig struct {
	MessagePrefix        string   `yaml:"message_prefix"`         // Leading segment of every signed message (default: invoisio-ledger)
	NonceTTL             Duration `yaml:"nonce_ttl"`              // How long an issued nonce stays valid (default: 5m)
	NonceCleanupInterval Duration `yaml:"nonce_cleanup_interval"` // How often expired nonces are purged (default: 1h)
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string              `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	FilePath        string              `yaml:"file_path"`        // Path to JSON file for file backend
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`
}

// SchemaMappingConfig holds table/collection name overrides.
type SchemaMappingConfig struct {
	State      TableMappingConfig `yaml:"state"`      // admin + payment count
	Payments   TableMappingConfig `yaml:"payments"`   // recorded payments
	Nonces     TableMappingConfig `yaml:"nonces"`     // one-time auth nonces
	Deliveries TableMappingConfig `yaml:"deliveries"` // queued event deliveries
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"`
}

// Webhook delivery modes.
const (
	DeliveryDirect = "direct" // in-process retries
	DeliveryQueue  = "queue"  // persisted and drained by the queue worker
)

// EventsConfig holds event emission configuration.
type EventsConfig struct {
	BufferSize int           `yaml:"buffer_size"` // Pending events held before new ones are dropped (default: 1024)
	LogEvents  bool          `yaml:"log_events"`  // Also write every event to the log
	Webhook    WebhookConfig `yaml:"webhook"`
}

// WebhookConfig holds outbound event notification configuration.
type WebhookConfig struct {
	URL      string            `yaml:"url"` // Empty disables webhooks
	Headers  map[string]string `yaml:"headers"`
	Timeout  Duration          `yaml:"timeout"`
	Delivery string            `yaml:"delivery"` // "direct" or "queue" (default: queue)
	Retry    RetryConfig       `yaml:"retry"`
	Queue    QueueConfig       `yaml:"queue"`
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`     // default: 5
	InitialInterval Duration `yaml:"initial_interval"` // default: 1s
	MaxInterval     Duration `yaml:"max_interval"`     // default: 5m
	Multiplier      float64  `yaml:"multiplier"`       // default: 2.0
}

// QueueConfig controls the persistent delivery worker.
type QueueConfig struct {
	PollInterval Duration `yaml:"poll_interval"` // default: 1s
	BatchSize    int      `yaml:"batch_size"`    // default: 10
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-signer limits key on the X-Signer header.
	PerSignerEnabled bool     `yaml:"per_signer_enabled"`
	PerSignerLimit   int      `yaml:"per_signer_limit"`
	PerSignerWindow  Duration `yaml:"per_signer_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for outbound calls.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Webhook BreakerServiceConfig `yaml:"webhook"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio
}
