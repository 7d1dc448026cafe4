package http

import (
	"encoding/json"
	"net/http"
)

const (
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidPayload     = "invalid_payload"
	codeUnknownProvider    = "unknown_provider"
	codeInvalidSignature   = "invalid_signature"
	codeInsufficientStock  = "insufficient_stock"
	codeOrderNotFound      = "order_not_found"
	codeOrderStateConflict = "order_state_conflict"
	codeVariantNotFound    = "variant_not_found"
	codeInvalidQuantity    = "invalid_quantity"
	codeInvalidID          = "invalid_id"
	codeEventNotFound      = "event_not_found"
	codeEventNotRetryable  = "event_not_retryable"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorDetails(w, status, code, msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error:   msg,
		Code:    code,
		Details: details,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
