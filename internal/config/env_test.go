package config

import (
	"testing"
	"time"
)

func TestEnvOverrides_ServerAndStorage(t *testing.T) {
	t.Setenv("LEDGER_SERVER_ADDRESS", ":7070")
	t.Setenv("LEDGER_ROUTE_PREFIX", "invoisio")
	t.Setenv("LEDGER_CORS_ALLOWED_ORIGINS", "https://app.invoisio.com, https://admin.invoisio.com")
	t.Setenv("LEDGER_STORAGE_BACKEND", "mongodb")
	t.Setenv("LEDGER_MONGODB_URL", "mongodb://localhost:27017")
	t.Setenv("LEDGER_POSTGRES_MAX_OPEN_CONNS", "40")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Address != ":7070" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.Server.RoutePrefix != "/invoisio" {
		t.Errorf("RoutePrefix = %q, want /invoisio", cfg.Server.RoutePrefix)
	}
	if len(cfg.Server.CORSAllowedOrigins) != 2 || cfg.Server.CORSAllowedOrigins[1] != "https://admin.invoisio.com" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.Server.CORSAllowedOrigins)
	}
	if cfg.Storage.Backend != "mongodb" || cfg.Storage.MongoDBDatabase != "invoisio_ledger" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.PostgresPool.MaxOpenConns != 40 {
		t.Errorf("MaxOpenConns = %d", cfg.Storage.PostgresPool.MaxOpenConns)
	}
}

func TestEnvOverrides_Webhook(t *testing.T) {
	t.Setenv("LEDGER_WEBHOOK_URL", "https://billing.example.com/ledger")
	t.Setenv("LEDGER_WEBHOOK_TIMEOUT", "750ms")
	t.Setenv("LEDGER_WEBHOOK_HEADER_X_API_KEY", "secret")
	t.Setenv("LEDGER_EVENTS_LOG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	wh := cfg.Events.Webhook
	if wh.URL != "https://billing.example.com/ledger" {
		t.Errorf("URL = %q", wh.URL)
	}
	if wh.Timeout.Duration != 750*time.Millisecond {
		t.Errorf("Timeout = %v", wh.Timeout.Duration)
	}
	if wh.Headers["X-Api-Key"] != "secret" {
		t.Errorf("Headers = %v", wh.Headers)
	}
	if !cfg.Events.LogEvents {
		t.Error("LogEvents should be true")
	}
}

func TestEnvOverrides_IgnoresUnparseable(t *testing.T) {
	t.Setenv("LEDGER_AUTH_NONCE_TTL", "soon")
	t.Setenv("LEDGER_EVENTS_BUFFER_SIZE", "lots")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Auth.NonceTTL.Duration != 5*time.Minute {
		t.Errorf("NonceTTL = %v, want default", cfg.Auth.NonceTTL.Duration)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("BufferSize = %d, want default", cfg.Events.BufferSize)
	}
}
