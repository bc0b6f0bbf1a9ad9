package proxy

import (
	"context"
	"net/http"
)

type healthStatus struct {
	Status string `json:"status"`
}

// livenessHandler handles liveness probe requests.
// Always returns 200 OK to indicate the process is alive.
func livenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(r.Context(), w, healthStatus{Status: "ok"}, http.StatusOK)
	}
}

// readinessHandler handles readiness probe requests.
// Returns 200 OK while the relay holds a usable session, 503 otherwise.
func readinessHandler(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		writeReadiness(r.Context(), w, checker.IsReady())
	}
}

func writeReadiness(ctx context.Context, w http.ResponseWriter, ready bool) {
	if ready {
		writeJSON(ctx, w, healthStatus{Status: "ready"}, http.StatusOK)
		return
	}
	writeJSON(ctx, w, healthStatus{Status: "unavailable"}, http.StatusServiceUnavailable)
}
