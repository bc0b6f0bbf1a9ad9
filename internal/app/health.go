package app

import (
	"sync/atomic"

	"github.com/florianilch/tokenrelay/internal/proxy"
	"github.com/florianilch/tokenrelay/internal/session"
)

// Health reports whether the relay can serve authenticated traffic:
// it is listening and the session still holds credentials.
// All methods are thread-safe.
type Health struct {
	listening atomic.Bool
	sessions  session.Store
}

// Compile-time check that Health implements proxy.ReadinessChecker interface
var _ proxy.ReadinessChecker = (*Health)(nil)

// NewHealth creates a Health for sessions, initialized as not listening.
func NewHealth(sessions session.Store) *Health {
	return &Health{sessions: sessions}
}

// SetListening updates whether the relay accepts connections.
func (h *Health) SetListening(listening bool) {
	h.listening.Store(listening)
}

// IsReady returns the current readiness state of the application.
// A cleared session makes the relay unready until the next login and restart.
func (h *Health) IsReady() bool {
	return h.listening.Load() && h.sessions.Get().HasCredentials()
}
