package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a ledger failure kind. The numeric values are part of the
// public contract: they are persisted by clients and must never be renumbered.
// New kinds are only ever appended.
type ErrorCode uint32

const (
	ErrAlreadyInitialized     ErrorCode = 1
	ErrNotInitialized         ErrorCode = 2
	ErrPaymentAlreadyRecorded ErrorCode = 3
	ErrPaymentNotFound        ErrorCode = 4
	ErrInvalidAmount          ErrorCode = 5
	ErrInvalidInvoiceID       ErrorCode = 6
	ErrInvalidAsset           ErrorCode = 7
)

var codeNames = map[ErrorCode]string{
	ErrAlreadyInitialized:     "already_initialized",
	ErrNotInitialized:         "not_initialized",
	ErrPaymentAlreadyRecorded: "payment_already_recorded",
	ErrPaymentNotFound:        "payment_not_found",
	ErrInvalidAmount:          "invalid_amount",
	ErrInvalidInvoiceID:       "invalid_invoice_id",
	ErrInvalidAsset:           "invalid_asset",
}

var codeMessages = map[ErrorCode]string{
	ErrAlreadyInitialized:     "ledger already has an admin",
	ErrNotInitialized:         "ledger has not been initialized",
	ErrPaymentAlreadyRecorded: "a payment is already recorded for this invoice",
	ErrPaymentNotFound:        "no payment recorded for this invoice",
	ErrInvalidAmount:          "amount must be greater than zero",
	ErrInvalidInvoiceID:       "invoice id must not be empty",
	ErrInvalidAsset:           "asset code is empty or issuer is missing for a non-native asset",
}

// Codes returns every defined ledger code in numeric order.
func Codes() []ErrorCode {
	return []ErrorCode{
		ErrAlreadyInitialized,
		ErrNotInitialized,
		ErrPaymentAlreadyRecorded,
		ErrPaymentNotFound,
		ErrInvalidAmount,
		ErrInvalidInvoiceID,
		ErrInvalidAsset,
	}
}

// Name returns the stable machine-readable name used on the wire.
func (e ErrorCode) Name() string {
	if name, ok := codeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ledger_error_%d", uint32(e))
}

// Error implements the error interface so codes can be returned and compared directly.
func (e ErrorCode) Error() string {
	if msg, ok := codeMessages[e]; ok {
		return msg
	}
	return e.Name()
}

// IsRetryable reports whether retrying the same call could succeed.
// Every ledger kind describes either caller input or settled state, so none are.
func (e ErrorCode) IsRetryable() bool {
	return false
}

// HTTPStatus returns the status code the HTTP API uses for this kind.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - input validation
	case ErrInvalidAmount,
		ErrInvalidInvoiceID,
		ErrInvalidAsset:
		return 400

	// 404 Not Found
	case ErrPaymentNotFound:
		return 404

	// 409 Conflict - ledger state does not allow the operation
	case ErrAlreadyInitialized,
		ErrNotInitialized,
		ErrPaymentAlreadyRecorded:
		return 409

	default:
		return 500
	}
}

// CodeOf extracts the ledger code from err, following wrapped errors.
func CodeOf(err error) (ErrorCode, bool) {
	var code ErrorCode
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}

// ParseName maps a wire name back to its code.
func ParseName(name string) (ErrorCode, bool) {
	for code, n := range codeNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}
