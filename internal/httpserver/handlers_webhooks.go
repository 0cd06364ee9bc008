package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/invoisio/ledger/internal/auth"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/internal/storage"
	"github.com/invoisio/ledger/pkg/responders"
)

const (
	defaultDeliveryListLimit = 100
	maxDeliveryListLimit     = 1000
)

// requireAdmin checks the request proves the current admin authorized op.
func (h *handlers) requireAdmin(ctx context.Context, op auth.Operation) error {
	admin, err := h.ledger.Admin(ctx)
	if err != nil {
		return err
	}
	return h.authz.RequireAuth(ctx, admin, op)
}

// listDeliveries handles GET /v1/admin/webhooks?status=pending&limit=100.
func (h *handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	status, ok := storage.ParseDeliveryStatus(r.URL.Query().Get("status"))
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Invalid status parameter. Must be: pending, processing, failed, or succeeded")
		return
	}

	limit := defaultDeliveryListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxDeliveryListLimit {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Invalid limit parameter. Must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	op := auth.Operation{Name: auth.OpListDeliveries, Subject: auth.DeliveryListSubject}
	if err := h.requireAdmin(r.Context(), op); err != nil {
		h.writeServiceError(w, r, op.Name, err)
		return
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), status, limit)
	if err != nil {
		h.writeServiceError(w, r, op.Name, err)
		return
	}
	if deliveries == nil {
		deliveries = []storage.Delivery{}
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

// getDelivery handles GET /v1/admin/webhooks/{id}. Signed as list_deliveries
// with the delivery id as subject.
func (h *handlers) getDelivery(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	op := auth.Operation{Name: auth.OpListDeliveries, Subject: id}
	if err := h.requireAdmin(r.Context(), op); err != nil {
		h.writeServiceError(w, r, op.Name, err)
		return
	}

	delivery, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, op.Name, err)
		return
	}
	responders.JSON(w, http.StatusOK, delivery)
}

// retryDelivery handles POST /v1/admin/webhooks/{id}/retry, resetting the
// delivery to pending with a fresh attempt budget.
func (h *handlers) retryDelivery(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	op := auth.Operation{Name: auth.OpRetryDelivery, Subject: id}
	if err := h.requireAdmin(r.Context(), op); err != nil {
		h.writeServiceError(w, r, op.Name, err)
		return
	}

	if err := h.store.RetryDelivery(r.Context(), id); err != nil {
		h.writeServiceError(w, r, op.Name, err)
		return
	}

	log := logger.FromContext(r.Context(), h.logger)
	log.Info().Str("delivery_id", id).Msg("webhook.retry_requested")
	responders.JSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": storage.DeliveryPending,
	})
}
