package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/invoisio/ledger/internal/config"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-signer limits key on the X-Signer header and fall back to the client IP.
	PerSignerEnabled bool
	PerSignerLimit   int
	PerSignerWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// ConfigFromApp maps application config onto Config.
func ConfigFromApp(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:    cfg.GlobalEnabled,
		GlobalLimit:      cfg.GlobalLimit,
		GlobalWindow:     cfg.GlobalWindow.Duration,
		PerSignerEnabled: cfg.PerSignerEnabled,
		PerSignerLimit:   cfg.PerSignerLimit,
		PerSignerWindow:  cfg.PerSignerWindow.Duration,
		PerIPEnabled:     cfg.PerIPEnabled,
		PerIPLimit:       cfg.PerIPLimit,
		PerIPWindow:      cfg.PerIPWindow.Duration,
		Metrics:          m,
	}
}

// limitHandler writes the standard 429 body and records the hit.
func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) http.HandlerFunc {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	var message string
	switch limitType {
	case "global":
		message = "Global rate limit exceeded. Please try again later."
	case "per_signer":
		message = "Signer rate limit exceeded. Please try again later."
	case "per_ip":
		message = "IP rate limit exceeded. Please try again later."
	default:
		message = "Rate limit exceeded. Please try again later."
	}

	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeRateLimited, message, "retryAfterSeconds", seconds)
	}
}

func passThrough(next http.Handler) http.Handler { return next }

// GlobalLimiter limits all requests together.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passThrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	)
}

// SignerLimiter limits requests per signing identity.
func SignerLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerSignerEnabled || cfg.PerSignerLimit <= 0 {
		return passThrough
	}
	return httprate.Limit(
		cfg.PerSignerLimit,
		cfg.PerSignerWindow,
		httprate.WithKeyFuncs(signerKey),
		httprate.WithLimitHandler(limitHandler("per_signer", cfg.PerSignerWindow, cfg.Metrics)),
	)
}

// IPLimiter limits requests per client IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passThrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	)
}

// signerKey keys on the first X-Signer header, falling back to the client IP.
func signerKey(r *http.Request) (string, error) {
	if signer := r.Header.Get("X-Signer"); signer != "" {
		return "signer:" + signer, nil
	}
	return httprate.KeyByIP(r)
}
