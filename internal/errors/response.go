package errors

import (
	"encoding/json"
	"net/http"
)

// APICode identifies transport-level failures that are not ledger kinds:
// malformed requests, rejected authorization, infrastructure faults.
type APICode string

const (
	ErrCodeInvalidRequest   APICode = "invalid_request"
	ErrCodeUnauthorized     APICode = "unauthorized"
	ErrCodeResourceNotFound APICode = "resource_not_found"
	ErrCodeRateLimited      APICode = "rate_limited"
	ErrCodeInternalError    APICode = "internal_error"
	ErrCodeDatabaseError    APICode = "database_error"
)

// HTTPStatus returns the status for a transport-level code.
func (c APICode) HTTPStatus() int {
	switch c {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeResourceNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeDatabaseError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the client may retry the identical request.
func (c APICode) IsRetryable() bool {
	switch c {
	case ErrCodeRateLimited, ErrCodeDatabaseError:
		return true
	default:
		return false
	}
}

// ErrorResponse is the standardized error format returned to clients.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and, for ledger kinds, its
// fixed numeric identifier.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Number    uint32                 `json:"number,omitempty"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`

	status int
}

// NewLedgerErrorResponse builds the response for a ledger kind.
func NewLedgerErrorResponse(code ErrorCode, details map[string]interface{}) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      code.Name(),
			Number:    uint32(code),
			Message:   code.Error(),
			Retryable: code.IsRetryable(),
			Details:   details,
			status:    code.HTTPStatus(),
		},
	}
}

// NewErrorResponse builds the response for a transport-level code.
func NewErrorResponse(code APICode, message string, details map[string]interface{}) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
			status:    code.HTTPStatus(),
		},
	}
}

// Status returns the HTTP status the response is written with.
func (e ErrorResponse) Status() int {
	if e.Error.status == 0 {
		return http.StatusInternalServerError
	}
	return e.Error.status
}

// WriteJSON writes the error response as JSON to the HTTP response writer.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(e)
}

// WriteLedgerError writes a ledger kind with optional details.
func WriteLedgerError(w http.ResponseWriter, code ErrorCode, details map[string]interface{}) {
	NewLedgerErrorResponse(code, details).WriteJSON(w)
}

// WriteError is a convenience function to write a transport-level error in one call.
func WriteError(w http.ResponseWriter, code APICode, message string, details map[string]interface{}) {
	NewErrorResponse(code, message, details).WriteJSON(w)
}

// WriteSimpleError writes an error with no additional details.
func WriteSimpleError(w http.ResponseWriter, code APICode, message string) {
	WriteError(w, code, message, nil)
}

// WriteErrorWithDetail writes an error with a single detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code APICode, message string, key string, value interface{}) {
	WriteError(w, code, message, map[string]interface{}{key: value})
}
