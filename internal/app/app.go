package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/florianilch/tokenrelay/internal/authclient"
	"github.com/florianilch/tokenrelay/internal/observability"
	"github.com/florianilch/tokenrelay/internal/proxy"
	"github.com/florianilch/tokenrelay/internal/session"
	"github.com/florianilch/tokenrelay/internal/tokensource"
	"github.com/florianilch/tokenrelay/internal/tokenstore"
	"github.com/florianilch/tokenrelay/internal/transport"
)

// App wires the session, transport, refresher and authenticated client, and
// orchestrates the lifecycle of the relay server.
type App struct {
	cfg      *Config
	sessions session.Store
	client   *authclient.Client
	metrics  *observability.Metrics
	health   *Health
	relay    *proxy.Proxy

	// Set with file storage: the relay reloads the token when the file changes.
	memory      *session.MemoryStore
	credentials *tokenstore.FileStore
}

// Option configures an App.
type Option func(*options)

type options struct {
	transport http.RoundTripper
	tokens    tokenstore.Store
}

// WithTransport sets the round tripper used for API and refresh requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// WithTokenStore replaces the token store selected by the auth config.
func WithTokenStore(store tokenstore.Store) Option {
	return func(o *options) {
		o.tokens = store
	}
}

// New creates an App from cfg, seeding the session from the token store.
func New(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tokens := o.tokens
	if tokens == nil {
		var err error
		tokens, err = cfg.Auth.NewTokenStore()
		if err != nil {
			return nil, fmt.Errorf("failed to create token store: %w", err)
		}
	}

	refreshToken, err := tokens.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	if refreshToken == "" {
		slog.WarnContext(ctx, "no refresh token stored, requests will be sent unauthenticated",
			"storage", cfg.Auth.Storage)
	}

	memory := session.NewMemoryStore(session.Session{
		RefreshToken: refreshToken,
		TenantID:     cfg.Auth.TenantID,
	})
	sessions := newPersistentSession(memory, tokens)
	credentials, _ := tokens.(*tokenstore.FileStore)

	senderOpts := []transport.Option{
		transport.WithTimeout(cfg.API.Timeout),
		transport.WithUserAgent(cfg.API.UserAgent),
	}
	if o.transport != nil {
		senderOpts = append(senderOpts, transport.WithTransport(o.transport))
	}
	sender, err := transport.NewHTTP(cfg.API.BaseURL, senderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	refresher, err := tokensource.New(tokensource.Config{
		Style:        tokensource.Style(cfg.Refresh.Style),
		TokenURL:     cfg.Refresh.URL,
		ClientID:     cfg.Refresh.ClientID,
		ClientSecret: cfg.Refresh.ClientSecret,
		Timeout:      cfg.API.Timeout,
	}, sender, o.transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresher: %w", err)
	}

	metrics := observability.NewMetrics()
	client := authclient.New(sessions, sender, refresher,
		authclient.WithTenantHeader(cfg.API.TenantHeader),
		authclient.WithTenantClaim(cfg.Refresh.TenantClaim),
		authclient.WithRefreshTimeout(cfg.API.Timeout),
		authclient.WithObserver(metrics),
		authclient.WithLogoutHook(func(ctx context.Context, err error) {
			slog.WarnContext(ctx, "session ended, run `tokenrelay auth login` to sign in again", "error", err)
		}),
	)

	health := NewHealth(sessions)

	relayOpts := []proxy.Option{
		proxy.WithMaxBodyBytes(cfg.Relay.MaxBodyBytes),
		proxy.WithMetricsHandler(metrics.Handler()),
	}
	if cfg.Relay.RateLimit > 0 {
		relayOpts = append(relayOpts, proxy.WithRateLimit(rate.Limit(cfg.Relay.RateLimit), burst(cfg.Relay)))
	}
	relay, err := proxy.New(client, health, relayOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	return &App{
		cfg:      cfg,
		sessions: sessions,
		client:   client,
		metrics:  metrics,
		health:   health,
		relay:    relay,

		memory:      memory,
		credentials: credentials,
	}, nil
}

// Client returns the authenticated API client.
func (a *App) Client() *authclient.Client {
	return a.client
}

// Health returns the readiness state served on /readyz.
func (a *App) Health() *Health {
	return a.health
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting relay server", "listen", a.cfg.Relay.Listen, "upstream", a.cfg.API.BaseURL)
	relayErrCh, err := a.relay.Start(gCtx, a.cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("relay startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.relay.Shutdown)

	a.health.SetListening(true)
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		a.health.SetListening(false)
		return nil
	})

	if a.credentials != nil {
		// The watcher writes to memory directly: a reloaded token is already on disk.
		watcher, err := newCredentialsWatcher(a.credentials, a.memory)
		if err != nil {
			slog.WarnContext(gCtx, "credentials reload disabled", "error", err)
		} else {
			g.Go(func() error { return watcher.Run(gCtx) })
			shutdownFuncs = append(shutdownFuncs, watcher.Close)
		}
	}

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-relayErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "relay runtime error", "error", err)
				return fmt.Errorf("relay: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// burst defaults to one second worth of requests.
func burst(cfg RelayConfig) int {
	if cfg.RateBurst > 0 {
		return cfg.RateBurst
	}
	return max(1, int(math.Ceil(cfg.RateLimit)))
}
