// Package proxy serves the local relay: inbound requests are forwarded
// upstream through the authenticated client, so callers never handle tokens.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/florianilch/tokenrelay/internal/authclient"
	"github.com/florianilch/tokenrelay/internal/observability/middleware"
	"github.com/florianilch/tokenrelay/internal/transport"
)

const defaultMaxBodyBytes = 10 << 20

// Executor sends a request with credentials attached, refreshing the session
// when the upstream rejects it.
type Executor interface {
	Execute(ctx context.Context, build authclient.RequestBuilder) (*transport.Response, error)
}

// ReadinessChecker reports whether the relay can serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Compile-time check that authclient.Client implements Executor
var _ Executor = (*authclient.Client)(nil)

// Proxy is the relay HTTP server.
type Proxy struct {
	handler http.Handler
	server  *http.Server

	maxBodyBytes int64
	limiter      *rate.Limiter
	metrics      http.Handler
	logger       *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithMaxBodyBytes limits inbound request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.maxBodyBytes = n
		}
	}
}

// WithRateLimit rejects relayed requests beyond limit per second with 429.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(p *Proxy) {
		p.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(p *Proxy) {
		p.metrics = h
	}
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// New creates a relay forwarding through client.
func New(client Executor, checker ReadinessChecker, opts ...Option) (*Proxy, error) {
	if client == nil {
		return nil, errors.New("proxy: client is required")
	}
	if checker == nil {
		return nil, errors.New("proxy: readiness checker is required")
	}

	p := &Proxy{maxBodyBytes: defaultMaxBodyBytes, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", livenessHandler())
	mux.Handle("GET /readyz", readinessHandler(checker))
	if p.metrics != nil {
		mux.Handle("GET /metrics", p.metrics)
	}

	relayMiddlewares := []func(http.Handler) http.Handler{
		RequestSizeLimit(p.maxBodyBytes),
	}
	if p.limiter != nil {
		relayMiddlewares = append(relayMiddlewares, RateLimit(p.limiter))
	}
	mux.Handle("/", applyMiddlewares(&relayHandler{client: client}, relayMiddlewares...))

	p.handler = applyMiddlewares(mux,
		middleware.RequestIDGeneration,
		middleware.Logging(p.logger),
		middleware.RequestIDPropagation,
		middleware.TraceContextExtraction,
		Recovery,
	)

	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background. The returned channel
// receives a runtime error, if any, and is closed once the server stops.
func (p *Proxy) Start(ctx context.Context, addr string) (<-chan error, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.InfoContext(ctx, "relay listening", "addr", ln.Addr().String())
	return errCh, nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}
