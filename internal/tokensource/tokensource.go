package tokensource

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/tokenrelay/internal/transport"
)

// Style selects the refresh endpoint dialect.
type Style string

const (
	StyleJSON   Style = "json"
	StyleOAuth2 Style = "oauth2"
)

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Compile-time checks that both dialects implement Refresher
var (
	_ Refresher = (*JSONRefresher)(nil)
	_ Refresher = (*OAuth2Refresher)(nil)
)

// Config describes a refresh endpoint.
type Config struct {
	Style Style
	// TokenURL is absolute for StyleOAuth2. StyleJSON also accepts a path
	// relative to the API base URL.
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Timeout bounds OAuth2 token requests. JSON requests use the sender's timeout.
	Timeout time.Duration
}

// New creates the refresher selected by cfg.Style. sender is used by the
// JSON dialect; rt, if non-nil, is the round tripper for the OAuth2 dialect.
func New(cfg Config, sender transport.Sender, rt http.RoundTripper) (Refresher, error) {
	switch cfg.Style {
	case StyleJSON, "":
		return NewJSONRefresher(sender, cfg.TokenURL, cfg.ClientID), nil
	case StyleOAuth2:
		u, err := url.Parse(cfg.TokenURL)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("oauth2 token URL %q must be absolute", cfg.TokenURL)
		}
		client := &http.Client{Timeout: cfg.Timeout, Transport: rt}
		return NewOAuth2Refresher(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, WithHTTPClient(client)), nil
	default:
		return nil, fmt.Errorf("unsupported refresh style %q (expected: json, oauth2)", cfg.Style)
	}
}
