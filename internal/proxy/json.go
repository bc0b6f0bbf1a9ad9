package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of errors produced by the relay itself.
type ErrorResponse struct {
	Err Error `json:"error"`
}

// Error describes a relay error.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	// Headers and status are written before encoding to avoid buffering.
	// If encoding fails, the client may receive a partial response.
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes a relay error response.
func writeJSONError(ctx context.Context, w http.ResponseWriter, status int, errType, message string) {
	writeJSON(ctx, w, &ErrorResponse{Err: Error{Type: errType, Message: message}}, status)
}
