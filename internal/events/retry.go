package events

import (
	"time"

	"github.com/invoisio/ledger/internal/config"
)

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // default: 5
	InitialInterval time.Duration // default: 1s
	MaxInterval     time.Duration // default: 5m
	Multiplier      float64       // default: 2.0
	Timeout         time.Duration // per attempt, default: 10s
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryConfigFromApp maps webhook config onto RetryConfig, keeping defaults
// for unset fields.
func RetryConfigFromApp(cfg config.WebhookConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 0 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		rc.Timeout = cfg.Timeout.Duration
	}
	return rc
}

// Backoff returns the wait after the given (1-based) failed attempt.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.Multiplier)
		if backoff > c.MaxInterval {
			return c.MaxInterval
		}
	}
	if c.MaxInterval > 0 && backoff > c.MaxInterval {
		return c.MaxInterval
	}
	return backoff
}
