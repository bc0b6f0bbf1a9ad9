package session

import "sync"

// Session is a snapshot of the current credentials. Empty fields are absent.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	TenantID     string
}

// HasCredentials reports whether the session can authenticate a request,
// either directly or after a refresh.
func (s Session) HasCredentials() bool {
	return s.AccessToken != "" || s.RefreshToken != ""
}

// Patch is a partial update. Nil fields are left untouched; a pointer to the
// empty string clears the field.
type Patch struct {
	AccessToken  *string
	RefreshToken *string
	UserID       *string
	TenantID     *string
}

// Value returns a pointer to v for use in a Patch.
func Value(v string) *string {
	return &v
}

// apply returns s with every non-nil patch field written over it.
func (p Patch) apply(s Session) Session {
	if p.AccessToken != nil {
		s.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		s.RefreshToken = *p.RefreshToken
	}
	if p.UserID != nil {
		s.UserID = *p.UserID
	}
	if p.TenantID != nil {
		s.TenantID = *p.TenantID
	}
	return s
}

// Store provides synchronous access to the process-wide session.
// Implementations must be safe for concurrent use.
type Store interface {
	Get() Session
	Set(p Patch)
	Clear()
}

// MemoryStore is an in-process Store guarded by a mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	current Session
}

// Compile-time check that MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with initial, which may be empty.
func NewMemoryStore(initial Session) *MemoryStore {
	return &MemoryStore{current: initial}
}

// Get returns a copy of the current session.
func (m *MemoryStore) Get() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Set applies p atomically.
func (m *MemoryStore) Set(p Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = p.apply(m.current)
}

// Clear drops every credential and the derived identity.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Session{}
}
