package invoisio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/invoisio/ledger/internal/auth"
	"github.com/invoisio/ledger/internal/circuitbreaker"
	"github.com/invoisio/ledger/internal/config"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/events"
	"github.com/invoisio/ledger/internal/httpserver"
	"github.com/invoisio/ledger/internal/ledger"
	"github.com/invoisio/ledger/internal/lifecycle"
	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/invoisio/ledger/internal/storage"
)

// App wires the ledger components for reuse or standalone serving.
type App struct {
	Config     *config.Config
	Store      storage.Store
	Ledger     *ledger.Service
	Authorizer auth.Authorizer
	Nonces     *auth.NonceIssuer
	Logger     zerolog.Logger

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	metricsHandler   http.Handler
	breakers         *circuitbreaker.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store      storage.Store
	authorizer auth.Authorizer
	publishers []events.Publisher
	router     chi.Router
	logger     *zerolog.Logger
	registry   *prometheus.Registry
}

// WithStore sets a custom storage backend. The caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithAuthorizer replaces the signature authorizer.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(o *options) {
		o.authorizer = a
	}
}

// WithPublisher adds an event sink next to the configured ones.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) {
		o.publishers = append(o.publishers, p)
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithLogger replaces the logger built from config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithRegistry registers metrics on registry instead of the default registerer
// and serves /metrics from it.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// NewApp assembles the ledger services. Background work (nonce cleanup,
// queued webhook delivery) runs until Close.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("invoisio: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "invoisio-ledger",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app = &App{
		Config:          cfg,
		Logger:          appLogger,
		resourceManager: lifecycle.NewManager(logger.Component(appLogger, "lifecycle")),
	}
	// Release whatever was started if a later step fails.
	defer func() {
		if err != nil {
			_ = app.resourceManager.Close()
		}
	}()

	if optState.registry != nil {
		app.metricsCollector = metrics.New(optState.registry)
		app.metricsHandler = promhttp.HandlerFor(optState.registry, promhttp.HandlerOpts{})
	} else {
		app.metricsCollector = metrics.New(prometheus.DefaultRegisterer)
		app.metricsHandler = promhttp.Handler()
	}
	m := app.metricsCollector

	if optState.store != nil {
		app.Store = optState.store
	} else {
		storeCfg := storage.ConfigFromApp(cfg.Storage)
		storeCfg.Metrics = m
		app.Store, err = storage.NewStore(ctx, storeCfg)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		app.resourceManager.Register("storage", app.Store)
		if app.Store.Backend() == "memory" {
			appLogger.Warn().Msg("invoisio: in-memory store in use, ledger state is lost on restart")
		}
	}

	// Background work stops before the store closes (LIFO).
	bgCtx, cancel := context.WithCancel(context.Background())
	app.resourceManager.RegisterFunc("background", func() error {
		cancel()
		return nil
	})

	app.Nonces = auth.NewNonceIssuer(app.Store, cfg.Auth.MessagePrefix, cfg.Auth.NonceTTL.Duration, m)
	app.Nonces.StartCleanup(bgCtx, cfg.Auth.NonceCleanupInterval.Duration)

	if optState.authorizer != nil {
		app.Authorizer = optState.authorizer
	} else {
		app.Authorizer = auth.NewSignatureAuthorizer(app.Store, cfg.Auth.MessagePrefix, m, appLogger)
	}

	publisher := app.buildPublisher(bgCtx, optState.publishers)

	policy, err := ledger.ParseNativeIssuerPolicy(cfg.Ledger.NativeIssuerPolicy)
	if err != nil {
		return nil, err
	}
	app.Ledger, err = ledger.New(ledger.Options{
		Store:                       app.Store,
		Authorizer:                  app.Authorizer,
		Publisher:                   publisher,
		Metrics:                     m,
		Logger:                      appLogger,
		NativeIssuerPolicy:          policy,
		RequireOutgoingAdminConsent: cfg.Ledger.RequireOutgoingAdminConsent,
	})
	if err != nil {
		return nil, err
	}

	if err := app.bootstrapAdmin(ctx); err != nil {
		return nil, err
	}

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.deps())

	return app, nil
}

// buildPublisher assembles the configured event sinks behind a dispatcher.
func (a *App) buildPublisher(ctx context.Context, extra []events.Publisher) events.Publisher {
	cfg := a.Config
	m := a.metricsCollector
	log := logger.Component(a.Logger, "events")

	var sinks events.FanOut
	if cfg.Events.LogEvents {
		sinks = append(sinks, events.NewLogPublisher(log, m))
	}

	wh := cfg.Events.Webhook
	if wh.URL != "" {
		retryCfg := events.RetryConfigFromApp(wh)
		breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, log)
		a.breakers = breakers

		switch wh.Delivery {
		case config.DeliveryDirect:
			sinks = append(sinks, events.NewWebhookPublisher(wh.URL,
				events.WithWebhookLogger(log),
				events.WithRetryConfig(retryCfg),
				events.WithCircuitBreaker(breakers),
				events.WithMetrics(m),
				events.WithHeaders(wh.Headers),
			))
		default:
			sinks = append(sinks, events.NewQueuePublisher(a.Store, wh.URL, wh.Headers, retryCfg, log, m))
			worker := events.NewQueueWorker(events.QueueWorkerOptions{
				Queue:        a.Store,
				RetryConfig:  retryCfg,
				Breakers:     breakers,
				Logger:       logger.Component(a.Logger, "webhook_worker"),
				Metrics:      m,
				PollInterval: wh.Queue.PollInterval.Duration,
				BatchSize:    wh.Queue.BatchSize,
			})
			worker.Start(ctx)
			a.resourceManager.Register("webhook-worker", worker)
		}
		log.Info().
			Str("url", redactURL(wh.URL)).
			Str("delivery", wh.Delivery).
			Msg("events.webhook_enabled")
	}
	sinks = append(sinks, extra...)

	if len(sinks) == 0 {
		return events.NoopPublisher{}
	}

	// Registered last so it drains into the sinks before anything else stops.
	dispatcher := events.NewDispatcher(sinks, cfg.Events.BufferSize, log, m)
	a.resourceManager.Register("event-dispatcher", dispatcher)
	return dispatcher
}

// bootstrapAdmin initializes the ledger with the configured admin on first start.
func (a *App) bootstrapAdmin(ctx context.Context) error {
	raw := a.Config.Ledger.BootstrapAdmin
	if raw == "" {
		return nil
	}
	admin, err := payment.ParseIdentity(raw)
	if err != nil {
		return fmt.Errorf("ledger.bootstrap_admin: %w", err)
	}

	err = a.Ledger.Initialize(ctx, admin)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apierrors.ErrAlreadyInitialized):
		a.Logger.Debug().Msg("ledger.bootstrap_skipped")
		return nil
	default:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
}

func (a *App) deps() httpserver.Deps {
	return httpserver.Deps{
		Ledger:         a.Ledger,
		Store:          a.Store,
		Nonces:         a.Nonces,
		Authorizer:     a.Authorizer,
		Metrics:        a.metricsCollector,
		Logger:         a.Logger,
		MetricsHandler: a.metricsHandler,
		Breakers:       a.breakers,
	}
}

// Router returns the chi router with ledger routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// NewServer wraps the app's router in a standalone HTTP server.
func (a *App) NewServer() *httpserver.Server {
	return httpserver.NewWithHandler(a.Config, a.router)
}

// Close flushes pending events, stops background work and releases storage.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the ledger.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// redactURL drops the query string, which often carries a token.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?…"
	}
	return raw
}
