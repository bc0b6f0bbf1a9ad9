package tokensource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/tokenrelay/internal/transport"
)

// JSONRefresher refreshes tokens against an endpoint that takes a JSON body.
// It sends through the API transport so the refresh call shares the
// timeout policy of ordinary requests.
type JSONRefresher struct {
	sender   transport.Sender
	tokenURL string
	clientID string
}

// NewJSONRefresher creates a refresher posting to tokenURL, which may be a
// path relative to the sender's base URL or an absolute URL.
func NewJSONRefresher(sender transport.Sender, tokenURL, clientID string) *JSONRefresher {
	return &JSONRefresher{
		sender:   sender,
		tokenURL: tokenURL,
		clientID: clientID,
	}
}

// Refresh exchanges refreshToken for a new token set.
func (r *JSONRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if refreshToken == "" {
		return nil, errors.New("refresh token cannot be empty")
	}

	requestBody, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     r.clientID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling refresh request: %w", err)
	}

	req := transport.NewRequest(http.MethodPost, r.tokenURL, requestBody)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	now := time.Now()
	resp, err := r.sender.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(resp.Body, &token); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}

	// Convert ExpiresIn to Expiry (see oauth2.Token.ExpiresIn field documentation)
	if token.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	return &token, nil
}

// refreshRequest represents the refresh request body.
type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id,omitempty"`
}
