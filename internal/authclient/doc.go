// Package authclient issues authenticated API calls and recovers from
// expired access tokens with a single-flight refresh.
//
// Every call goes through Client.Execute with a RequestBuilder. The builder
// describes the request; credentials are attached from the session store on
// every attempt, so a replay always carries the freshest token.
//
// # Refresh episodes
//
// When an attempt is rejected with 401, the first caller to notice becomes
// the leader of a refresh episode and calls the refresh endpoint. Callers that
// hit 401 while the episode is in flight queue up behind it instead of
// refreshing again. Once the refresh settles:
//   - on success, queued callers are replayed in FIFO order, then the leader
//   - on failure, the session is cleared once and every caller receives the
//     same *RefreshError
//
// A replayed request that is rejected with 401 again fails straight through.
//
//	client := authclient.New(store, sender, refresher)
//	resp, err := client.Execute(ctx, func() (*transport.Request, error) {
//		return transport.NewRequest(http.MethodGet, "/me", nil), nil
//	})
package authclient
