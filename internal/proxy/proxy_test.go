package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/florianilch/tokenrelay/internal/authclient"
	"github.com/florianilch/tokenrelay/internal/session"
	"github.com/florianilch/tokenrelay/internal/tokensource"
	"github.com/florianilch/tokenrelay/internal/transport"
)

type readyFunc func() bool

func (f readyFunc) IsReady() bool { return f() }

type executorFunc func(ctx context.Context, build authclient.RequestBuilder) (*transport.Response, error)

func (f executorFunc) Execute(ctx context.Context, build authclient.RequestBuilder) (*transport.Response, error) {
	return f(ctx, build)
}

// upstream is a fake API that accepts a single valid access token and
// rotates it on refresh.
type upstream struct {
	mu          sync.Mutex
	validToken  string
	refreshBody func(w http.ResponseWriter, r *http.Request)

	refreshes    atomic.Int32
	unauthorized atomic.Int32
	lastAuth     atomic.Value
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/auth/refresh" {
		u.refreshes.Add(1)
		u.refreshBody(w, r)
		return
	}

	u.mu.Lock()
	valid := "Bearer " + u.validToken
	u.mu.Unlock()

	auth := r.Header.Get("Authorization")
	u.lastAuth.Store(auth)
	if auth != valid {
		u.unauthorized.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"body":   string(body),
		"tenant": r.Header.Get("X-Tenant-ID"),
	})
}

func (u *upstream) rotateTo(token string) {
	u.mu.Lock()
	u.validToken = token
	u.mu.Unlock()
}

// newRelay starts an upstream and a relay in front of it.
func newRelay(t *testing.T, up *upstream, initial session.Session, opts ...Option) (*httptest.Server, session.Store) {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	upstreamServer := httptest.NewServer(up)
	t.Cleanup(upstreamServer.Close)

	sender, err := transport.NewHTTP(upstreamServer.URL)
	require.NoError(t, err)

	sessions := session.NewMemoryStore(initial)
	client := authclient.New(sessions, sender, tokensource.NewJSONRefresher(sender, "/auth/refresh", "relay-test"))

	p, err := New(client, readyFunc(func() bool { return sessions.Get().HasCredentials() }), opts...)
	require.NoError(t, err)

	relay := httptest.NewServer(p)
	t.Cleanup(relay.Close)
	return relay, sessions
}

func decodeJSON(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

func TestRelay_ForwardsWithSessionCredentials(t *testing.T) {
	up := &upstream{validToken: "a1"}
	relay, _ := newRelay(t, up, session.Session{AccessToken: "a1", TenantID: "acme"})

	req, err := http.NewRequest(http.MethodPost, relay.URL+"/v1/items?limit=5", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-supplied")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	got := decodeJSON(t, resp.Body)
	assert.Equal(t, http.MethodPost, got["method"])
	assert.Equal(t, "/v1/items", got["path"])
	assert.Equal(t, "limit=5", got["query"])
	assert.Equal(t, `{"name":"x"}`, got["body"])
	assert.Equal(t, "acme", got["tenant"])
	assert.Equal(t, "Bearer a1", up.lastAuth.Load())
}

func TestRelay_ConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	const callers = 5

	allRejected := make(chan struct{})
	var once sync.Once
	up := &upstream{}
	up.refreshBody = func(w http.ResponseWriter, r *http.Request) {
		// Hold the refresh until every caller has been rejected once.
		select {
		case <-allRejected:
		case <-time.After(2 * time.Second):
		}
		up.rotateTo("a2")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"a2","refresh_token":"r2","expires_in":3600}`)
	}

	relay, sessions := newRelay(t, up, session.Session{AccessToken: "stale", RefreshToken: "r1"})

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if up.unauthorized.Load() >= callers {
				once.Do(func() { close(allRejected) })
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	statuses := make([]int, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(fmt.Sprintf("%s/v1/items/%d", relay.URL, i))
			if err != nil {
				return
			}
			statuses[i] = resp.StatusCode
			_ = resp.Body.Close()
		}()
	}
	wg.Wait()

	for i, status := range statuses {
		assert.Equal(t, http.StatusCreated, status, "caller %d", i)
	}
	assert.Equal(t, int32(1), up.refreshes.Load())
	assert.Equal(t, "a2", sessions.Get().AccessToken)
	assert.Equal(t, "r2", sessions.Get().RefreshToken)
}

func TestRelay_RefreshFailureEndsSession(t *testing.T) {
	up := &upstream{validToken: "never"}
	up.refreshBody = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}

	relay, sessions := newRelay(t, up, session.Session{AccessToken: "stale", RefreshToken: "revoked"})

	resp, err := http.Get(relay.URL + "/v1/me")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "authentication_error", errResp.Err.Type)
	assert.False(t, sessions.Get().HasCredentials())

	ready, err := http.Get(relay.URL + "/readyz")
	require.NoError(t, err)
	_ = ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)
}

func TestRelay_UpstreamErrorsPassThrough(t *testing.T) {
	p, err := New(executorFunc(func(context.Context, authclient.RequestBuilder) (*transport.Response, error) {
		return nil, &transport.StatusError{
			StatusCode: http.StatusNotFound,
			Response: &transport.Response{
				StatusCode: http.StatusNotFound,
				Header:     http.Header{"Content-Type": {"text/plain"}, "Connection": {"close"}},
				Body:       []byte("no such item"),
			},
		}
	}), readyFunc(func() bool { return true }))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no such item", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Connection"))
}

func TestRelay_TransportErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{
			name:     "timeout",
			err:      &transport.NetworkError{Method: "GET", URL: "http://api", Timeout: true, Err: context.DeadlineExceeded},
			wantCode: http.StatusGatewayTimeout,
			wantType: "upstream_timeout",
		},
		{
			name:     "connection refused",
			err:      &transport.NetworkError{Method: "GET", URL: "http://api", Err: io.ErrUnexpectedEOF},
			wantCode: http.StatusBadGateway,
			wantType: "upstream_unavailable",
		},
		{
			name:     "unexpected",
			err:      io.ErrClosedPipe,
			wantCode: http.StatusInternalServerError,
			wantType: "api_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(executorFunc(func(context.Context, authclient.RequestBuilder) (*transport.Response, error) {
				return nil, tt.err
			}), readyFunc(func() bool { return true }))
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var errResp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
			assert.Equal(t, tt.wantType, errResp.Err.Type)
		})
	}
}

func TestRelay_RebuildsRequestForReplay(t *testing.T) {
	var bodies []string
	p, err := New(executorFunc(func(_ context.Context, build authclient.RequestBuilder) (*transport.Response, error) {
		// Build twice, as a replay after refresh would.
		for range 2 {
			req, err := build()
			if err != nil {
				return nil, err
			}
			bodies = append(bodies, string(req.Body))
			req.Header.Set("Authorization", "Bearer mutated")
		}
		req, _ := build()
		assert.Empty(t, req.Header.Get("Authorization"))
		return &transport.Response{StatusCode: http.StatusNoContent}, nil
	}), readyFunc(func() bool { return true }))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/v1/items/1", strings.NewReader("payload"))
	r.Header.Set("Authorization", "Bearer caller")
	p.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestRelay_RequestSizeLimit(t *testing.T) {
	p, err := New(executorFunc(func(context.Context, authclient.RequestBuilder) (*transport.Response, error) {
		t.Fatal("oversized request must not be forwarded")
		return nil, nil
	}), readyFunc(func() bool { return true }), WithMaxBodyBytes(8))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/items", strings.NewReader("more than eight bytes")))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRelay_RateLimit(t *testing.T) {
	var forwarded atomic.Int32
	p, err := New(executorFunc(func(context.Context, authclient.RequestBuilder) (*transport.Response, error) {
		forwarded.Add(1)
		return &transport.Response{StatusCode: http.StatusOK}, nil
	}), readyFunc(func() bool { return true }), WithRateLimit(rate.Every(time.Hour), 1))
	require.NoError(t, err)

	first := httptest.NewRecorder()
	p.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/items", nil))
	second := httptest.NewRecorder()
	p.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/items", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Equal(t, int32(1), forwarded.Load())

	// Probes are not rate limited.
	health := httptest.NewRecorder()
	p.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestRelay_HealthAndMetricsEndpoints(t *testing.T) {
	var ready atomic.Bool
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tokenrelay_refresh_total 0\n")
	})

	p, err := New(executorFunc(func(context.Context, authclient.RequestBuilder) (*transport.Response, error) {
		t.Fatal("probes must not be relayed")
		return nil, nil
	}), readyFunc(ready.Load), WithMetricsHandler(metrics))
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	ready.Store(true)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)
	assert.Contains(t, get("/metrics").Body.String(), "tokenrelay_refresh_total")
}

func TestRelay_Recovery(t *testing.T) {
	p, err := New(executorFunc(func(context.Context, authclient.RequestBuilder) (*transport.Response, error) {
		panic("boom")
	}), readyFunc(func() bool { return true }))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestForwardHeaders(t *testing.T) {
	in := http.Header{
		"Authorization":   {"Bearer caller"},
		"Connection":      {"keep-alive, X-Hop"},
		"X-Hop":           {"1"},
		"Keep-Alive":      {"timeout=5"},
		"Accept-Encoding": {"gzip"},
		"Content-Type":    {"application/json"},
		"X-Custom":        {"kept"},
	}

	out := forwardHeaders(in)

	assert.Equal(t, http.Header{
		"Content-Type": {"application/json"},
		"X-Custom":     {"kept"},
	}, out)
	assert.Equal(t, "Bearer caller", in.Get("Authorization"), "input must not be modified")
}

func TestProxy_StartAndShutdown(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	p, err := New(executorFunc(func(context.Context, authclient.RequestBuilder) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK}, nil
	}), readyFunc(func() bool { return true }))
	require.NoError(t, err)

	errCh, err := p.Start(t.Context(), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	select {
	case err, ok := <-errCh:
		assert.False(t, ok, "unexpected runtime error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("error channel not closed after shutdown")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, readyFunc(func() bool { return true }))
	assert.Error(t, err)

	_, err = New(executorFunc(nil), nil)
	assert.Error(t, err)
}
