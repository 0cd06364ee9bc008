package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/invoisio/ledger/internal/config"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestConfigFromApp(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := ConfigFromApp(config.RateLimitConfig{
		GlobalEnabled:    true,
		GlobalLimit:      1000,
		GlobalWindow:     config.Duration{Duration: time.Minute},
		PerSignerEnabled: true,
		PerSignerLimit:   60,
		PerSignerWindow:  config.Duration{Duration: 30 * time.Second},
		PerIPLimit:       120,
		PerIPWindow:      config.Duration{Duration: time.Minute},
	}, m)

	if !cfg.GlobalEnabled || cfg.GlobalLimit != 1000 || cfg.GlobalWindow != time.Minute {
		t.Errorf("global = %v/%d/%s", cfg.GlobalEnabled, cfg.GlobalLimit, cfg.GlobalWindow)
	}
	if !cfg.PerSignerEnabled || cfg.PerSignerLimit != 60 || cfg.PerSignerWindow != 30*time.Second {
		t.Errorf("per signer = %v/%d/%s", cfg.PerSignerEnabled, cfg.PerSignerLimit, cfg.PerSignerWindow)
	}
	if cfg.PerIPEnabled || cfg.PerIPLimit != 120 {
		t.Errorf("per ip = %v/%d", cfg.PerIPEnabled, cfg.PerIPLimit)
	}
	if cfg.Metrics != m {
		t.Error("metrics not carried over")
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(okHandler())

	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/count", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	handler := GlobalLimiter(Config{
		GlobalEnabled: true,
		GlobalLimit:   3,
		GlobalWindow:  time.Minute,
		Metrics:       m,
	})(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}

	var body struct {
		Error struct {
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "rate_limited" || !body.Error.Retryable {
		t.Errorf("body = %+v", body)
	}
	if got := testutil.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("global")); got != 1 {
		t.Errorf("rate limit hits = %v, want 1", got)
	}
}

func TestSignerLimiter_SeparatesSigners(t *testing.T) {
	handler := SignerLimiter(Config{
		PerSignerEnabled: true,
		PerSignerLimit:   1,
		PerSignerWindow:  time.Minute,
	})(okHandler())

	send := func(signer string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/payments", nil)
		req.Header.Set("X-Signer", signer)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("alice"); code != http.StatusOK {
		t.Fatalf("alice first: %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Errorf("alice second: %d, want 429", code)
	}
	if code := send("bob"); code != http.StatusOK {
		t.Errorf("bob first: %d, want 200", code)
	}
}
