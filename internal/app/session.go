package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/florianilch/tokenrelay/internal/session"
	"github.com/florianilch/tokenrelay/internal/tokenstore"
)

const persistTimeout = 5 * time.Second

// persistentSession writes rotated refresh tokens back to the token store
// so the next run starts from the newest grant.
type persistentSession struct {
	session.Store
	tokens tokenstore.Store
}

// Compile-time check that persistentSession implements session.Store
var _ session.Store = (*persistentSession)(nil)

func newPersistentSession(sessions session.Store, tokens tokenstore.Store) *persistentSession {
	return &persistentSession{Store: sessions, tokens: tokens}
}

func (s *persistentSession) Set(p session.Patch) {
	previous := s.Store.Get().RefreshToken
	s.Store.Set(p)

	if p.RefreshToken == nil || *p.RefreshToken == previous || *p.RefreshToken == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.tokens.Write(ctx, *p.RefreshToken); err != nil {
		if errors.Is(err, tokenstore.ErrReadOnly) {
			slog.DebugContext(ctx, "token store is read-only, rotated refresh token kept in memory")
			return
		}
		slog.WarnContext(ctx, "failed to persist rotated refresh token", "error", err)
	}
}
