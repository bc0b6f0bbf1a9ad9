// Package tokensource exchanges refresh tokens for new access tokens.
//
// Two refresh endpoint dialects are supported:
//   - JSONRefresher posts a JSON body, as used by many first-party APIs
//   - OAuth2Refresher posts a standard RFC 6749 form through golang.org/x/oauth2
//
// Both return an *oauth2.Token and report failures with the transport error
// types, so a rejected refresh token surfaces as a *transport.StatusError:
//
//	sender, _ := transport.NewHTTP(baseURL)
//	r := tokensource.NewJSONRefresher(sender, "/oauth/token", clientID)
//	token, err := r.Refresh(ctx, refreshToken)
//
// Use New to pick the dialect from configuration.
package tokensource
