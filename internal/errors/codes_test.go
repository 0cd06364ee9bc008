package errors

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestErrorCodeNumbersAreStable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want uint32
		name string
	}{
		{ErrAlreadyInitialized, 1, "already_initialized"},
		{ErrNotInitialized, 2, "not_initialized"},
		{ErrPaymentAlreadyRecorded, 3, "payment_already_recorded"},
		{ErrPaymentNotFound, 4, "payment_not_found"},
		{ErrInvalidAmount, 5, "invalid_amount"},
		{ErrInvalidInvoiceID, 6, "invalid_invoice_id"},
		{ErrInvalidAsset, 7, "invalid_asset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if uint32(tt.code) != tt.want {
				t.Errorf("code number = %d, want %d", uint32(tt.code), tt.want)
			}
			if tt.code.Name() != tt.name {
				t.Errorf("Name() = %q, want %q", tt.code.Name(), tt.name)
			}
			if tt.code.IsRetryable() {
				t.Errorf("%s should not be retryable", tt.name)
			}
			parsed, ok := ParseName(tt.name)
			if !ok || parsed != tt.code {
				t.Errorf("ParseName(%q) = %v, %v", tt.name, parsed, ok)
			}
		})
	}

	if len(Codes()) != len(tests) {
		t.Fatalf("Codes() returned %d codes, want %d", len(Codes()), len(tests))
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrInvalidAmount, 400},
		{ErrInvalidInvoiceID, 400},
		{ErrInvalidAsset, 400},
		{ErrPaymentNotFound, 404},
		{ErrAlreadyInitialized, 409},
		{ErrNotInitialized, 409},
		{ErrPaymentAlreadyRecorded, 409},
		{ErrorCode(99), 500},
	}

	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code.Name(), got, tt.want)
		}
	}
}

func TestCodeOfUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("record payment: %w", ErrPaymentAlreadyRecorded)

	code, ok := CodeOf(wrapped)
	if !ok {
		t.Fatal("expected ledger code in wrapped error")
	}
	if code != ErrPaymentAlreadyRecorded {
		t.Errorf("CodeOf() = %v, want %v", code, ErrPaymentAlreadyRecorded)
	}

	if _, ok := CodeOf(fmt.Errorf("plain failure")); ok {
		t.Error("expected no ledger code for a plain error")
	}
}

func TestWriteLedgerError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteLedgerError(rec, ErrPaymentNotFound, map[string]interface{}{"invoiceId": "inv-1"})

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "payment_not_found" {
		t.Errorf("code = %q", body.Error.Code)
	}
	if body.Error.Number != 4 {
		t.Errorf("number = %d, want 4", body.Error.Number)
	}
	if body.Error.Details["invoiceId"] != "inv-1" {
		t.Errorf("details = %v", body.Error.Details)
	}
}

func TestWriteSimpleErrorUnauthorized(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSimpleError(rec, ErrCodeUnauthorized, "authorization required")

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Number != 0 {
		t.Errorf("transport errors must not carry a ledger number, got %d", body.Error.Number)
	}
}
