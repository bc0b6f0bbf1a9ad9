package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/florianilch/tokenrelay/internal/session"
	"github.com/florianilch/tokenrelay/internal/tokenstore"
)

// credentialsWatcher reloads the refresh token when the credentials file
// changes, so `auth login` takes effect in a running relay.
type credentialsWatcher struct {
	path     string
	tokens   tokenstore.Store
	sessions session.Store
	watcher  *fsnotify.Watcher
}

// newCredentialsWatcher watches the directory of store's file. Atomic
// replacements show up as a create of the file name, not a write.
func newCredentialsWatcher(store *tokenstore.FileStore, sessions session.Store) (*credentialsWatcher, error) {
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating credentials watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &credentialsWatcher{
		path:     filepath.Clean(store.Path()),
		tokens:   store,
		sessions: sessions,
		watcher:  watcher,
	}, nil
}

// Run handles file events until ctx is done or the watcher is closed.
func (w *credentialsWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "credentials watcher error", "error", err, "path", w.path)
		}
	}
}

// reload adopts a new refresh token. The access token belongs to the old
// grant and is dropped with it.
func (w *credentialsWatcher) reload(ctx context.Context) {
	token, err := w.tokens.Read(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to reload credentials", "error", err, "path", w.path)
		return
	}
	if token == "" || token == w.sessions.Get().RefreshToken {
		return
	}

	w.sessions.Set(session.Patch{
		AccessToken:  session.Value(""),
		RefreshToken: session.Value(token),
		UserID:       session.Value(""),
	})
	slog.InfoContext(ctx, "refresh token reloaded from credentials file", "path", w.path)
}

// Close stops the watcher.
func (w *credentialsWatcher) Close(context.Context) error {
	return w.watcher.Close()
}
