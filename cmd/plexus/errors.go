package main

import (
	"encoding/json"
	"net/http"

	"github.com/plexus-labs/plexus/unified"
)

// writeDialectError writes an error envelope in the client's own dialect so
// existing SDKs can parse gateway failures the same way they parse provider
// failures.
func writeDialectError(w http.ResponseWriter, apiType unified.APIType, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var body any
	switch apiType {
	case unified.APIMessages:
		body = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    anthropicErrorType(status),
				"message": message,
			},
		}
	case unified.APIGemini:
		body = map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": message,
				"status":  geminiStatus(status),
			},
		}
	default:
		body = map[string]any{
			"error": map[string]any{
				"message": message,
				"type":    errType,
				"code":    errType,
			},
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

// anthropicErrorType maps onto the closed set of Anthropic error type names.
func anthropicErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	}
	if status >= 500 {
		return "api_error"
	}
	return "invalid_request_error"
}

// geminiStatus maps an HTTP status onto the gRPC-style status string Gemini
// clients expect.
func geminiStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	}
	if status >= 500 {
		return "INTERNAL"
	}
	return "UNKNOWN"
}
