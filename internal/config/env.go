package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the LEDGER_ prefix.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "LEDGER_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "LEDGER_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "LEDGER_ADMIN_METRICS_API_KEY")
	if v := os.Getenv("LEDGER_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "LEDGER_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "LEDGER_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "LEDGER_ENVIRONMENT")

	// Ledger policy
	setIfEnv(&c.Ledger.NativeIssuerPolicy, "LEDGER_NATIVE_ISSUER_POLICY")
	setBoolIfEnv(&c.Ledger.RequireOutgoingAdminConsent, "LEDGER_REQUIRE_OUTGOING_ADMIN_CONSENT")
	setIfEnv(&c.Ledger.BootstrapAdmin, "LEDGER_BOOTSTRAP_ADMIN")

	// Auth config
	setIfEnv(&c.Auth.MessagePrefix, "LEDGER_AUTH_MESSAGE_PREFIX")
	setDurationIfEnv(&c.Auth.NonceTTL, "LEDGER_AUTH_NONCE_TTL")
	setDurationIfEnv(&c.Auth.NonceCleanupInterval, "LEDGER_AUTH_NONCE_CLEANUP_INTERVAL")

	// Storage config
	setIfEnv(&c.Storage.Backend, "LEDGER_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "LEDGER_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "LEDGER_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "LEDGER_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "LEDGER_STORAGE_FILE_PATH")
	setIntIfEnv(&c.Storage.PostgresPool.MaxOpenConns, "LEDGER_POSTGRES_MAX_OPEN_CONNS")
	setIntIfEnv(&c.Storage.PostgresPool.MaxIdleConns, "LEDGER_POSTGRES_MAX_IDLE_CONNS")
	setDurationIfEnv(&c.Storage.PostgresPool.ConnMaxLifetime, "LEDGER_POSTGRES_CONN_MAX_LIFETIME")

	// Events config
	setIntIfEnv(&c.Events.BufferSize, "LEDGER_EVENTS_BUFFER_SIZE")
	setBoolIfEnv(&c.Events.LogEvents, "LEDGER_EVENTS_LOG")
	setIfEnv(&c.Events.Webhook.URL, "LEDGER_WEBHOOK_URL")
	setIfEnv(&c.Events.Webhook.Delivery, "LEDGER_WEBHOOK_DELIVERY")
	setDurationIfEnv(&c.Events.Webhook.Timeout, "LEDGER_WEBHOOK_TIMEOUT")
	setIntIfEnv(&c.Events.Webhook.Retry.MaxAttempts, "LEDGER_WEBHOOK_MAX_ATTEMPTS")

	// Webhook headers (LEDGER_WEBHOOK_HEADER_X_API_KEY=... -> X-Api-Key)
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, "LEDGER_WEBHOOK_HEADER_") {
			continue
		}
		header := strings.TrimPrefix(name, "LEDGER_WEBHOOK_HEADER_")
		if header == "" {
			continue
		}
		if c.Events.Webhook.Headers == nil {
			c.Events.Webhook.Headers = make(map[string]string)
		}
		c.Events.Webhook.Headers[textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(header, "_", "-"))] = value
	}

	// Rate limits
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "LEDGER_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "LEDGER_RATE_LIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerSignerEnabled, "LEDGER_RATE_LIMIT_PER_SIGNER_ENABLED")
	setIntIfEnv(&c.RateLimit.PerSignerLimit, "LEDGER_RATE_LIMIT_PER_SIGNER_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "LEDGER_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "LEDGER_RATE_LIMIT_PER_IP_LIMIT")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "LEDGER_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1" and any casing of "true" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv ignores values that do not parse.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
