package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/invoisio/ledger/internal/auth"
	"github.com/invoisio/ledger/internal/circuitbreaker"
	"github.com/invoisio/ledger/internal/config"
	"github.com/invoisio/ledger/internal/ledger"
	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/ratelimit"
	"github.com/invoisio/ledger/internal/storage"
)

var (
	serverStartTime = time.Now()
)

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Ledger     *ledger.Service
	Store      storage.Store
	Nonces     *auth.NonceIssuer
	Authorizer auth.Authorizer
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger

	// Breakers guard webhook delivery; nil when no webhook is configured.
	Breakers *circuitbreaker.Manager

	// MetricsHandler serves {prefix}/metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// Server is the HTTP front of the ledger.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	ledger   *ledger.Service
	store    storage.Store
	nonces   *auth.NonceIssuer
	authz    auth.Authorizer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	breakers *circuitbreaker.Manager
}

func newHandlers(cfg *config.Config, deps Deps) handlers {
	return handlers{
		cfg:      cfg,
		ledger:   deps.Ledger,
		store:    deps.Store,
		nonces:   deps.Nonces,
		authz:    deps.Authorizer,
		metrics:  deps.Metrics,
		logger:   logger.Component(deps.Logger, "http"),
		breakers: deps.Breakers,
	}
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, deps)
	return NewWithHandler(cfg, router)
}

// NewWithHandler serves an already configured handler with the server timeouts from cfg.
func NewWithHandler(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ConfigureRouter attaches ledger routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Deps) {
	if router == nil {
		return
	}

	handler := newHandlers(cfg, deps)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization",
				auth.HeaderSigner, auth.HeaderMessage, auth.HeaderSignature},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers first so every response carries them
	router.Use(securityHeadersMiddleware)

	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.ConfigFromApp(cfg.RateLimit, deps.Metrics)
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.SignerLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	// Lightweight endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", handler.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", metricsHandler)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(auth.ProofMiddleware)

		r.Post(prefix+"/v1/auth/nonce", handler.issueNonce)

		r.Post(prefix+"/v1/ledger/initialize", handler.initialize)
		r.Get(prefix+"/v1/ledger/admin", handler.getAdmin)
		r.Put(prefix+"/v1/ledger/admin", handler.setAdmin)

		// Static segments win over {invoiceId} in chi, so "count" is never an invoice id here.
		r.Post(prefix+"/v1/payments", handler.recordPayment)
		r.Get(prefix+"/v1/payments/count", handler.paymentCount)
		r.Get(prefix+"/v1/payments/{invoiceId}", handler.getPayment)
		r.Get(prefix+"/v1/payments/{invoiceId}/exists", handler.hasPayment)

		r.Get(prefix+"/v1/admin/webhooks", handler.listDeliveries)
		r.Get(prefix+"/v1/admin/webhooks/{id}", handler.getDelivery)
		r.Post(prefix+"/v1/admin/webhooks/{id}/retry", handler.retryDelivery)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
