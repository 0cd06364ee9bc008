package httpserver

import (
	"net/http"

	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/ledger"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/invoisio/ledger/pkg/responders"
)

type recordPaymentRequest struct {
	InvoiceID   string `json:"invoiceId"`
	Payer       string `json:"payer"`
	AssetCode   string `json:"assetCode"`
	AssetIssuer string `json:"assetIssuer"`
	Amount      int64  `json:"amount"`
}

// recordPayment handles POST /v1/payments.
//
// Only the transport shape is checked here; field rules (invoice id, amount,
// asset) are the ledger's, applied after the admin's proof is verified.
func (h *handlers) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	payer, err := payment.ParseIdentity(req.Payer)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidRequest, err.Error(), "field", "payer")
		return
	}

	rec, err := h.ledger.RecordPayment(r.Context(), ledger.RecordPaymentInput{
		InvoiceID:   req.InvoiceID,
		Payer:       payer,
		AssetCode:   req.AssetCode,
		AssetIssuer: req.AssetIssuer,
		Amount:      req.Amount,
	})
	if err != nil {
		h.writeServiceError(w, r, ledger.OpRecordPayment, err)
		return
	}
	responders.JSON(w, http.StatusCreated, rec)
}

// getPayment handles GET /v1/payments/{invoiceId}.
func (h *handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.GetPayment(r.Context(), pathParam(r, "invoiceId"))
	if err != nil {
		h.writeServiceError(w, r, ledger.OpGetPayment, err)
		return
	}
	responders.JSON(w, http.StatusOK, rec)
}

// hasPayment handles GET /v1/payments/{invoiceId}/exists.
func (h *handlers) hasPayment(w http.ResponseWriter, r *http.Request) {
	invoiceID := pathParam(r, "invoiceId")
	ok, err := h.ledger.HasPayment(r.Context(), invoiceID)
	if err != nil {
		h.writeServiceError(w, r, ledger.OpHasPayment, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"invoiceId": invoiceID,
		"exists":    ok,
	})
}

// paymentCount handles GET /v1/payments/count.
func (h *handlers) paymentCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.PaymentCount(r.Context())
	if err != nil {
		h.writeServiceError(w, r, ledger.OpPaymentCount, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"count": n})
}
