package httpserver

import (
	"errors"
	"net/http"

	"github.com/invoisio/ledger/internal/auth"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/internal/storage"
)

// writeServiceError maps a service error onto the response: ledger kinds keep
// their code and number, authorization failures stay opaque, anything else
// is an infrastructure fault.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if code, ok := apierrors.CodeOf(err); ok {
		apierrors.WriteLedgerError(w, code, nil)
		return
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "unauthorized")
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeResourceNotFound, "not found")
		return
	}

	log := logger.FromContext(r.Context(), h.logger)
	log.Error().
		Err(err).
		Str("operation", op).
		Msg("request.failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "ledger storage is unavailable")
}
