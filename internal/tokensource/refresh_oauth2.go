package tokensource

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/tokenrelay/internal/transport"
)

// OAuth2Refresher refreshes tokens with a standard form-encoded
// grant_type=refresh_token request.
type OAuth2Refresher struct {
	config *oauth2.Config
	client *http.Client
}

// OAuth2Option configures an OAuth2Refresher.
type OAuth2Option func(*OAuth2Refresher)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(client *http.Client) OAuth2Option {
	return func(r *OAuth2Refresher) {
		r.client = client
	}
}

// NewOAuth2Refresher creates a refresher for the token endpoint at tokenURL.
// An empty clientSecret marks a public client.
func NewOAuth2Refresher(tokenURL, clientID, clientSecret string, opts ...OAuth2Option) *OAuth2Refresher {
	r := &OAuth2Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if clientSecret != "" {
		r.config.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh exchanges refreshToken for a new token set. The returned token
// keeps the old refresh token when the server does not rotate it.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if refreshToken == "" {
		return nil, errors.New("refresh token cannot be empty")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	token, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, r.mapError(ctx, err)
	}

	return token, nil
}

// mapError converts oauth2 failures into transport errors so refresh
// failures look the same regardless of dialect.
func (r *OAuth2Refresher) mapError(ctx context.Context, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &transport.StatusError{
			StatusCode: retrieveErr.Response.StatusCode,
			Response: &transport.Response{
				StatusCode: retrieveErr.Response.StatusCode,
				Header:     retrieveErr.Response.Header,
				Body:       retrieveErr.Body,
			},
		}
	}

	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())

	return &transport.NetworkError{
		Method:  http.MethodPost,
		URL:     r.config.Endpoint.TokenURL,
		Timeout: timeout,
		Err:     err,
	}
}
