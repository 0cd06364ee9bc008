package httpserver

import (
	"net/http"

	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/ledger"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/invoisio/ledger/pkg/responders"
)

type initializeRequest struct {
	Admin string `json:"admin"`
}

type setAdminRequest struct {
	NewAdmin string `json:"newAdmin"`
}

type adminResponse struct {
	Admin payment.Identity `json:"admin"`
}

// initialize handles POST /v1/ledger/initialize. Unauthenticated: the first
// caller sets the admin.
func (h *handlers) initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	admin, err := payment.ParseIdentity(req.Admin)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidRequest, err.Error(), "field", "admin")
		return
	}

	if err := h.ledger.Initialize(r.Context(), admin); err != nil {
		h.writeServiceError(w, r, ledger.OpInitialize, err)
		return
	}
	responders.JSON(w, http.StatusCreated, adminResponse{Admin: admin})
}

// getAdmin handles GET /v1/ledger/admin.
func (h *handlers) getAdmin(w http.ResponseWriter, r *http.Request) {
	admin, err := h.ledger.Admin(r.Context())
	if err != nil {
		h.writeServiceError(w, r, ledger.OpAdmin, err)
		return
	}
	responders.JSON(w, http.StatusOK, adminResponse{Admin: admin})
}

// setAdmin handles PUT /v1/ledger/admin. The request must carry the new
// admin's proof, and the current admin's when outgoing consent is required.
func (h *handlers) setAdmin(w http.ResponseWriter, r *http.Request) {
	var req setAdminRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	newAdmin, err := payment.ParseIdentity(req.NewAdmin)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidRequest, err.Error(), "field", "newAdmin")
		return
	}

	if err := h.ledger.SetAdmin(r.Context(), newAdmin); err != nil {
		h.writeServiceError(w, r, ledger.OpSetAdmin, err)
		return
	}
	responders.JSON(w, http.StatusOK, adminResponse{Admin: newAdmin})
}
