package authclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/tokenrelay/internal/session"
	"github.com/florianilch/tokenrelay/internal/transport"
)

const defaultRefreshTimeout = 30 * time.Second

// RequestBuilder describes a request from scratch. It is invoked once per
// attempt, so it must not depend on state consumed by a previous call.
type RequestBuilder func() (*transport.Request, error)

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Attempt tags a request as an original call or a replay after refresh.
type Attempt int

const (
	FirstAttempt Attempt = iota
	RetryAttempt
)

func (a Attempt) String() string {
	if a == RetryAttempt {
		return "retry"
	}
	return "first"
}

type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

// Observer receives coordinator events, typically to record metrics.
type Observer interface {
	RefreshFinished(err error, elapsed time.Duration)
	Queued()
	Replayed(err error)
	SessionCleared()
}

type noopObserver struct{}

func (noopObserver) RefreshFinished(error, time.Duration) {}
func (noopObserver) Queued()                              {}
func (noopObserver) Replayed(error)                       {}
func (noopObserver) SessionCleared()                      {}

// Client issues authenticated calls and coordinates token refresh.
// Build one per process and share it; the refresh state lives in the instance.
type Client struct {
	sessions  session.Store
	sender    transport.Sender
	refresher Refresher
	attacher  Attacher

	refreshTimeout time.Duration
	tenantClaim    string
	onLogout       func(ctx context.Context, err error)
	observer       Observer

	// mu guards state and queue. It is never held across a network call.
	mu    sync.Mutex
	state refreshState
	queue pendingQueue
}

// Option configures a Client.
type Option func(*Client)

// WithTenantHeader sets the header that carries the session's tenant id.
func WithTenantHeader(name string) Option {
	return func(c *Client) {
		c.attacher.TenantHeader = name
	}
}

// WithRefreshTimeout bounds the refresh call. Non-positive values are ignored.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithTenantClaim sets the JWT claim read as tenant id after a refresh.
func WithTenantClaim(claim string) Option {
	return func(c *Client) {
		c.tenantClaim = claim
	}
}

// WithLogoutHook registers fn to run once per failed refresh episode, after
// the session has been cleared.
func WithLogoutHook(fn func(ctx context.Context, err error)) Option {
	return func(c *Client) {
		c.onLogout = fn
	}
}

// WithObserver registers an Observer for coordinator events.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// New creates a Client reading credentials from sessions, sending through
// sender and refreshing through refresher.
func New(sessions session.Store, sender transport.Sender, refresher Refresher, opts ...Option) *Client {
	c := &Client{
		sessions:       sessions,
		sender:         sender,
		refresher:      refresher,
		refreshTimeout: defaultRefreshTimeout,
		tenantClaim:    session.DefaultTenantClaim,
		observer:       noopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute sends the request described by build with the current credentials.
// A 401 triggers or joins a refresh episode and the request is replayed once
// with the refreshed token. Every other outcome is returned unchanged.
func (c *Client) Execute(ctx context.Context, build RequestBuilder) (*transport.Response, error) {
	return c.do(ctx, build, FirstAttempt)
}

func (c *Client) do(ctx context.Context, build RequestBuilder, attempt Attempt) (*transport.Response, error) {
	resp, err := c.send(ctx, build)
	if !transport.IsUnauthorized(err) {
		return resp, err
	}

	if attempt == RetryAttempt {
		// Rejected with a fresh token. Never requeue, or a revoked grant would loop.
		slog.WarnContext(ctx, "request rejected after token refresh", "attempt", attempt.String())
		return nil, err
	}

	return c.recoverUnauthorized(ctx, build, err)
}

// recoverUnauthorized either leads a new refresh episode or waits for the
// one in flight.
func (c *Client) recoverUnauthorized(ctx context.Context, build RequestBuilder, trigger error) (*transport.Response, error) {
	c.mu.Lock()
	if c.state == stateRefreshing {
		p := newPendingRequest(ctx, build)
		c.queue.push(p)
		c.mu.Unlock()

		c.observer.Queued()
		slog.DebugContext(ctx, "waiting for in-flight token refresh")
		return p.wait(ctx)
	}
	c.state = stateRefreshing
	c.mu.Unlock()

	if err := c.refresh(ctx, trigger); err != nil {
		// Clear before going idle so no new episode can start from the dead grant.
		c.sessions.Clear()
		waiters := c.endEpisode()
		for _, p := range waiters {
			p.reject(err)
		}

		c.observer.SessionCleared()
		slog.WarnContext(ctx, "session cleared after failed token refresh", "error", err, "waiters", len(waiters))
		if c.onLogout != nil {
			c.onLogout(ctx, err)
		}
		return nil, err
	}

	waiters := c.endEpisode()
	for _, p := range waiters {
		if p.cancelled() {
			slog.DebugContext(ctx, "dropping replay for cancelled caller")
			continue
		}
		resp, err := c.replay(p.ctx, p.build)
		if err != nil {
			p.reject(err)
			continue
		}
		p.resolve(resp)
	}

	return c.replay(ctx, build)
}

// endEpisode returns to idle and hands back every waiter in FIFO order.
func (c *Client) endEpisode() []*pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateIdle
	return c.queue.drain()
}

// replay re-issues a request after a successful refresh. Credentials are
// re-read from the session, never taken from the original attempt.
func (c *Client) replay(ctx context.Context, build RequestBuilder) (*transport.Response, error) {
	resp, err := c.do(ctx, build, RetryAttempt)
	c.observer.Replayed(err)
	return resp, err
}

// refresh calls the refresh endpoint and commits the new tokens to the session.
func (c *Client) refresh(ctx context.Context, trigger error) error {
	start := time.Now()
	err := c.refreshSession(ctx, trigger)
	c.observer.RefreshFinished(err, time.Since(start))
	return err
}

func (c *Client) refreshSession(ctx context.Context, trigger error) error {
	current := c.sessions.Get()
	if current.RefreshToken == "" {
		return &RefreshError{Cause: ErrNoRefreshToken, Trigger: trigger}
	}

	// Detach from the leader's cancellation: the episode belongs to every waiter.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	slog.DebugContext(ctx, "refreshing access token")
	token, err := c.refresher.Refresh(refreshCtx, current.RefreshToken)
	if err != nil {
		return &RefreshError{Cause: err, Trigger: trigger}
	}
	if token == nil || token.AccessToken == "" {
		return &RefreshError{Cause: ErrEmptyAccessToken, Trigger: trigger}
	}

	patch := session.IdentityFromToken(token.AccessToken, c.tenantClaim)
	patch.AccessToken = session.Value(token.AccessToken)
	if token.RefreshToken != "" {
		patch.RefreshToken = session.Value(token.RefreshToken)
	}
	c.sessions.Set(patch)

	slog.InfoContext(ctx, "access token refreshed",
		"refresh_token_rotated", token.RefreshToken != "",
		"expiry", token.Expiry,
	)
	return nil
}

func (c *Client) send(ctx context.Context, build RequestBuilder) (*transport.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	return c.sender.Send(ctx, c.attacher.Attach(req, c.sessions.Get()))
}
