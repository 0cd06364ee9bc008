package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/invoisio/ledger/internal/circuitbreaker"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/pkg/responders"
)

type healthResponse struct {
	Status       string  `json:"status"` // "ok" or "degraded"
	Uptime       string  `json:"uptime"`
	Timestamp    string  `json:"timestamp"`
	Backend      string  `json:"backend"`
	Storage      string  `json:"storage"` // "ok" or "unreachable"
	Initialized  bool    `json:"initialized"`
	PaymentCount *uint64 `json:"paymentCount,omitempty"`

	// WebhookBreaker is reported but never degrades the status: the ledger
	// keeps recording while the webhook endpoint is down.
	WebhookBreaker *breakerStatus `json:"webhookBreaker,omitempty"`
}

type breakerStatus struct {
	State string `json:"state"`
	circuitbreaker.Counts
}

// health handles GET /health: store reachability plus ledger state.
// Reports 503 when the store cannot be reached.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Uptime:    time.Since(serverStartTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Backend:   h.store.Backend(),
		Storage:   "ok",
	}
	if h.breakers != nil {
		resp.WebhookBreaker = &breakerStatus{
			State:  h.breakers.State(circuitbreaker.ServiceWebhook),
			Counts: h.breakers.Counts(circuitbreaker.ServiceWebhook),
		}
	}

	if err := h.store.Ping(ctx); err != nil {
		log := logger.FromContext(r.Context(), h.logger)
		log.Warn().Err(err).Msg("health.storage_unreachable")
		resp.Status = "degraded"
		resp.Storage = "unreachable"
		responders.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	_, err := h.ledger.Admin(ctx)
	switch {
	case err == nil:
		resp.Initialized = true
	case errors.Is(err, apierrors.ErrNotInitialized):
	default:
		resp.Status = "degraded"
	}

	if n, err := h.ledger.PaymentCount(ctx); err == nil {
		resp.PaymentCount = &n
	} else {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	responders.JSON(w, status, resp)
}
