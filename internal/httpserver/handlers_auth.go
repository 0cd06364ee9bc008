package httpserver

import (
	"net/http"

	"github.com/invoisio/ledger/internal/auth"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/pkg/responders"
)

type nonceRequest struct {
	Purpose string `json:"purpose"`
}

// issueNonce handles POST /v1/auth/nonce. The nonce is single use and binds
// to whatever operation and subject the client signs it with.
func (h *handlers) issueNonce(w http.ResponseWriter, r *http.Request) {
	var req nonceRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if !auth.KnownOperation(req.Purpose) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidRequest, "unknown purpose", "purpose", req.Purpose)
		return
	}

	issued, err := h.nonces.Issue(r.Context(), req.Purpose)
	if err != nil {
		log := logger.FromContext(r.Context(), h.logger)
		log.Error().Err(err).Str("purpose", req.Purpose).Msg("auth.nonce_issue_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to issue nonce")
		return
	}
	responders.JSON(w, http.StatusCreated, issued)
}
