package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader is read from inbound and written to outbound requests.
const RequestIDHeader = "X-Request-ID"

// RequestIDContextKey is a context key for storing request IDs.
type RequestIDContextKey struct{}

// RequestIDFromContext returns the request ID stored by RequestIDGeneration.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RequestIDContextKey{}).(string)
	return id, ok && id != ""
}

// RequestIDGeneration reads the request ID from the client header, generates
// one if missing, and stores it in the request context. The relay forwards it
// upstream so one ID follows a call through refresh and replay.
func RequestIDGeneration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), RequestIDContextKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDPropagation sets the X-Request-ID response header and adds the ID
// to the request log.
func RequestIDPropagation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestID, ok := RequestIDFromContext(r.Context()); ok {
			// Set early to ensure it's present during recovery scenarios
			w.Header().Set(RequestIDHeader, requestID)
			SetLogAttrs(r.Context(), slog.String("request_id", requestID))
		}

		next.ServeHTTP(w, r)
	})
}
