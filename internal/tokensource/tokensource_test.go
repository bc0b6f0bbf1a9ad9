package tokensource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/tokenrelay/internal/transport"
)

func newJSONTokenServer(t *testing.T, status int, response string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var body refreshRequest
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			assert.Equal(t, "refresh_token", body.GrantType)
			assert.Equal(t, "R1", body.RefreshToken)
			assert.Equal(t, "client-1", body.ClientID)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestJSONRefresher(t *testing.T) {
	server := newJSONTokenServer(t, http.StatusOK,
		`{"access_token":"T2","refresh_token":"R2","token_type":"Bearer","expires_in":3600}`)

	sender, err := transport.NewHTTP(server.URL)
	require.NoError(t, err)

	before := time.Now()
	token, err := NewJSONRefresher(sender, "/oauth/token", "client-1").Refresh(context.Background(), "R1")
	require.NoError(t, err)

	assert.Equal(t, "T2", token.AccessToken)
	assert.Equal(t, "R2", token.RefreshToken)
	assert.WithinDuration(t, before.Add(time.Hour), token.Expiry, 5*time.Second)
}

func TestJSONRefresherRejectedGrant(t *testing.T) {
	server := newJSONTokenServer(t, http.StatusUnauthorized, `{"error":"invalid_grant"}`)

	sender, err := transport.NewHTTP(server.URL)
	require.NoError(t, err)

	_, err = NewJSONRefresher(sender, "/oauth/token", "client-1").Refresh(context.Background(), "R1")
	require.Error(t, err)

	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.JSONEq(t, `{"error":"invalid_grant"}`, string(statusErr.Response.Body))
}

func TestJSONRefresherValidatesInput(t *testing.T) {
	r := NewJSONRefresher(nil, "/oauth/token", "")

	_, err := r.Refresh(context.Background(), "")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Refresh(ctx, "R1")
	assert.ErrorIs(t, err, context.Canceled)
}

func newFormTokenServer(t *testing.T, status int, response string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "R1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOAuth2Refresher(t *testing.T) {
	server := newFormTokenServer(t, http.StatusOK,
		`{"access_token":"T2","token_type":"Bearer","expires_in":60}`)

	token, err := NewOAuth2Refresher(server.URL, "client-1", "").Refresh(context.Background(), "R1")
	require.NoError(t, err)

	assert.Equal(t, "T2", token.AccessToken)
	assert.Equal(t, "R1", token.RefreshToken, "unrotated refresh token is kept")
	assert.False(t, token.Expiry.IsZero())
}

func TestOAuth2RefresherRejectedGrant(t *testing.T) {
	server := newFormTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)

	_, err := NewOAuth2Refresher(server.URL, "client-1", "").Refresh(context.Background(), "R1")
	require.Error(t, err)

	assert.Equal(t, http.StatusBadRequest, transport.StatusCode(err))
}

func TestOAuth2RefresherNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	tokenURL := server.URL
	server.Close()

	_, err := NewOAuth2Refresher(tokenURL, "client-1", "").Refresh(context.Background(), "R1")
	require.Error(t, err)

	assert.ErrorIs(t, err, transport.ErrNetworkFailure)
}

func TestOAuth2RefresherTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := &http.Client{Timeout: 50 * time.Millisecond}
	_, err := NewOAuth2Refresher(server.URL, "client-1", "", WithHTTPClient(client)).Refresh(context.Background(), "R1")
	require.Error(t, err)

	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestNew(t *testing.T) {
	sender, err := transport.NewHTTP("https://api.example.com")
	require.NoError(t, err)

	r, err := New(Config{Style: StyleJSON, TokenURL: "/oauth/token"}, sender, nil)
	require.NoError(t, err)
	assert.IsType(t, &JSONRefresher{}, r)

	r, err = New(Config{Style: StyleOAuth2, TokenURL: "https://auth.example.com/token"}, sender, nil)
	require.NoError(t, err)
	assert.IsType(t, &OAuth2Refresher{}, r)

	_, err = New(Config{Style: StyleOAuth2, TokenURL: "/token"}, sender, nil)
	assert.Error(t, err)

	_, err = New(Config{Style: "saml"}, sender, nil)
	assert.Error(t, err)
}
