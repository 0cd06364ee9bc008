package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Ledger: LedgerConfig{
			NativeIssuerPolicy: NativeIssuerFlag,
		},
		Auth: AuthConfig{
			MessagePrefix:        "invoisio-ledger",
			NonceTTL:             Duration{Duration: 5 * time.Minute},
			NonceCleanupInterval: Duration{Duration: time.Hour},
		},
		Storage: StorageConfig{
			MongoDBDatabase: "invoisio_ledger",
		},
		Events: EventsConfig{
			BufferSize: 1024,
			Webhook: WebhookConfig{
				Headers:  make(map[string]string),
				Timeout:  Duration{Duration: 5 * time.Second},
				Delivery: DeliveryQueue,
				Retry: RetryConfig{
					MaxAttempts:     5,
					InitialInterval: Duration{Duration: 1 * time.Second},
					MaxInterval:     Duration{Duration: 5 * time.Minute},
					Multiplier:      2.0,
				},
				Queue: QueueConfig{
					PollInterval: Duration{Duration: 1 * time.Second},
					BatchSize:    10,
				},
			},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:    true,
			GlobalLimit:      1000,
			GlobalWindow:     Duration{Duration: time.Minute},
			PerSignerEnabled: true,
			PerSignerLimit:   60,
			PerSignerWindow:  Duration{Duration: time.Minute},
			PerIPEnabled:     true,
			PerIPLimit:       120,
			PerIPWindow:      Duration{Duration: time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
