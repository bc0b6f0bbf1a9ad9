// Package session holds the credentials every outbound request is signed with.
//
// A Session is the single source of truth for the access token, the refresh
// token and the identity derived from them. It is read before every attempt
// and written only on login, on a successful refresh and on logout:
//
//	store := session.NewMemoryStore(session.Session{RefreshToken: rt})
//	store.Set(session.Patch{AccessToken: session.Value("new-token")})
//	store.Clear()
//
// Stores never track expiry. Callers react to rejections reported by the
// server instead.
package session
