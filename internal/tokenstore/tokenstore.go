// Package tokenstore persists the refresh token between runs.
//
// Writing the empty string clears the stored token, so login and logout share
// one operation across every backend.
package tokenstore

import (
	"context"
	"errors"
)

// ErrReadOnly is returned by stores that cannot be written, like EnvStore.
var ErrReadOnly = errors.New("token store is read-only")

// Store reads and writes the refresh token.
type Store interface {
	// Read returns the stored token, or "" if none is stored.
	Read(ctx context.Context) (string, error)
	// Write replaces the stored token. An empty token clears it.
	Write(ctx context.Context, token string) error
}
