package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/florianilch/tokenrelay/internal/authclient"
	"github.com/florianilch/tokenrelay/internal/observability/middleware"
	"github.com/florianilch/tokenrelay/internal/transport"
)

// hopHeaders apply to a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// strippedRequestHeaders are replaced by the relay or the transport.
var strippedRequestHeaders = []string{
	"Authorization",
	"Cookie",
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// relayHandler forwards any request upstream through the authenticated client.
type relayHandler struct {
	client Executor
}

// Compile-time check to ensure relayHandler implements http.Handler
var _ http.Handler = (*relayHandler)(nil)

func (h *relayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Replays rebuild the request, so the body is buffered once up front.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			slog.WarnContext(ctx, "request exceeds size limit", "limit_bytes", maxBytesErr.Limit)
			writeJSONError(ctx, w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				http.StatusText(http.StatusRequestEntityTooLarge))
			return
		}
		slog.ErrorContext(ctx, "failed to read request body", "error", err)
		writeJSONError(ctx, w, http.StatusBadRequest, "invalid_request_error", http.StatusText(http.StatusBadRequest))
		return
	}

	method := r.Method
	path := r.URL.EscapedPath()
	query := r.URL.Query()
	header := forwardHeaders(r.Header)

	resp, err := h.client.Execute(ctx, func() (*transport.Request, error) {
		req := transport.NewRequest(method, path, body)
		req.Query = query
		req.Header = header.Clone()
		return req, nil
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeResponse(ctx, w, resp)
}

// writeError maps client errors to relay responses. Upstream HTTP errors
// pass through unchanged.
func (h *relayHandler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var statusErr *transport.StatusError

	switch {
	case errors.Is(err, authclient.ErrRefreshFailed):
		middleware.SetLogAttrs(ctx, slog.String("relay.error", "session_expired"))
		slog.WarnContext(ctx, "session refresh failed", "error", err)
		writeJSONError(ctx, w, http.StatusUnauthorized, "authentication_error",
			"session expired, log in again")
	case errors.As(err, &statusErr) && statusErr.Response != nil:
		writeResponse(ctx, w, statusErr.Response)
	case errors.Is(err, context.Canceled):
		slog.DebugContext(ctx, "client disconnected before response")
	case errors.Is(err, transport.ErrTimeout):
		slog.ErrorContext(ctx, "upstream timed out", "error", err)
		writeJSONError(ctx, w, http.StatusGatewayTimeout, "upstream_timeout", http.StatusText(http.StatusGatewayTimeout))
	case errors.Is(err, transport.ErrNetworkFailure):
		slog.ErrorContext(ctx, "upstream unreachable", "error", err)
		writeJSONError(ctx, w, http.StatusBadGateway, "upstream_unavailable", http.StatusText(http.StatusBadGateway))
	default:
		slog.ErrorContext(ctx, "relay failed", "error", err)
		writeJSONError(ctx, w, http.StatusInternalServerError, "api_error", http.StatusText(http.StatusInternalServerError))
	}
}

// writeResponse copies an upstream response to the client.
func writeResponse(ctx context.Context, w http.ResponseWriter, resp *transport.Response) {
	dst := w.Header()
	for name, values := range resp.Header {
		dst[name] = append([]string(nil), values...)
	}
	removeHopHeaders(dst)
	dst.Del("Content-Length")

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

// forwardHeaders returns the inbound headers safe to send upstream.
func forwardHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeHopHeaders(out)
	for _, name := range strippedRequestHeaders {
		out.Del(name)
	}
	return out
}

// removeHopHeaders drops hop-by-hop headers, including any named in Connection.
func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for name := range strings.SplitSeq(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
