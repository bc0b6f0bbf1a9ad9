package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/florianilch/tokenrelay/internal/observability/middleware"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 32 << 20
)

// Sender performs a single outbound call.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTP is a Sender backed by an *http.Client and a fixed base URL.
type HTTP struct {
	baseURL          *url.URL
	client           *http.Client
	userAgent        string
	maxResponseBytes int64
}

// Compile-time check that HTTP implements Sender
var _ Sender = (*HTTP)(nil)

// Option configures an HTTP sender.
type Option func(*HTTP)

// WithTransport sets the round tripper used for outbound calls
// (e.g., for proxies or mocked upstreams in tests).
func WithTransport(rt http.RoundTripper) Option {
	return func(h *HTTP) {
		h.client.Transport = rt
	}
}

// WithTimeout bounds every call, including reading the response body.
// Zero disables the client-side timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		h.client.Timeout = d
	}
}

// WithUserAgent sets the User-Agent header on requests that don't carry one.
func WithUserAgent(ua string) Option {
	return func(h *HTTP) {
		h.userAgent = ua
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(h *HTTP) {
		h.maxResponseBytes = n
	}
}

// NewHTTP creates a sender resolving request paths against baseURL.
func NewHTTP(baseURL string, opts ...Option) (*HTTP, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	h := &HTTP{
		baseURL: base,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		maxResponseBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Send issues req and reads the full response. Statuses >= 400 are returned
// as *StatusError together with the response.
func (h *HTTP) Send(ctx context.Context, req *Request) (*Response, error) {
	target, err := h.resolve(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	if httpReq.Header.Get("User-Agent") == "" && h.userAgent != "" {
		httpReq.Header.Set("User-Agent", h.userAgent)
	}
	if httpReq.Header.Get(middleware.RequestIDHeader) == "" {
		httpReq.Header.Set(middleware.RequestIDHeader, requestID(ctx))
	}

	// Propagate W3C trace context to the upstream
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, newNetworkError(req.Method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseBytes))
	if err != nil {
		return nil, newNetworkError(req.Method, target, fmt.Errorf("reading response body: %w", err))
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{StatusCode: resp.StatusCode, Response: out}
	}

	return out, nil
}

// resolve builds the absolute target URL for req.
func (h *HTTP) resolve(req *Request) (string, error) {
	ref, err := url.Parse(req.Path)
	if err != nil {
		return "", fmt.Errorf("parsing request path %q: %w", req.Path, err)
	}

	var u *url.URL
	if ref.IsAbs() {
		u = ref
	} else {
		u = h.baseURL.JoinPath(ref.Path)
		u.RawQuery = ref.RawQuery
	}

	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// requestID returns the request id of the inbound call being served, or a new one.
func requestID(ctx context.Context) string {
	if id, ok := middleware.RequestIDFromContext(ctx); ok {
		return id
	}
	return uuid.New().String()
}

func newNetworkError(method, target string, err error) *NetworkError {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	return &NetworkError{
		Method:  method,
		URL:     target,
		Timeout: timeout,
		Err:     err,
	}
}
