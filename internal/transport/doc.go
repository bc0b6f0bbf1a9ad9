// Package transport performs single outbound HTTP calls against the API.
//
// A Request is a plain description (method, path, headers, body) rather than
// an *http.Request so that it can be rebuilt and resent any number of times.
// Send never retries. Failures come back typed:
//   - *NetworkError, matching ErrNetworkFailure or ErrTimeout via errors.Is
//   - *StatusError, for any response with status >= 400
package transport
