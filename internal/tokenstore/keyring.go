package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService names the keyring entry when none is configured.
const DefaultKeyringService = "tokenrelay"

const keyringUser = "refresh_token"

// KeyringStore keeps the refresh token in the OS credential store
// (Keychain, Secret Service, Windows Credential Manager).
type KeyringStore struct {
	service string
}

// Compile-time check that KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a store for the given keyring service name.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token, err := keyring.Get(s.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading keyring: %w", err)
	}
	return token, nil
}

func (s *KeyringStore) Write(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if token == "" {
		if err := keyring.Delete(s.service, keyringUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("deleting keyring entry: %w", err)
		}
		return nil
	}

	if err := keyring.Set(s.service, keyringUser, token); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}
