package tokenstore

import (
	"context"
	"os"
)

// DefaultEnvVar holds the refresh token for EnvStore.
const DefaultEnvVar = "TOKENRELAY_REFRESH_TOKEN"

// EnvStore reads the refresh token from an environment variable.
type EnvStore struct {
	name   string
	lookup func(string) (string, bool)
}

// Compile-time check that EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates a store reading the variable name, or DefaultEnvVar if empty.
func NewEnvStore(name string) *EnvStore {
	if name == "" {
		name = DefaultEnvVar
	}
	return &EnvStore{name: name, lookup: os.LookupEnv}
}

func (s *EnvStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token, _ := s.lookup(s.name)
	return token, nil
}

// Write always fails: the environment is owned by the parent process.
func (s *EnvStore) Write(context.Context, string) error {
	return ErrReadOnly
}
