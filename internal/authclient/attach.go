package authclient

import (
	"github.com/florianilch/tokenrelay/internal/session"
	"github.com/florianilch/tokenrelay/internal/transport"
)

// DefaultTenantHeader carries the tenant context when no other header is configured.
const DefaultTenantHeader = "X-Tenant-ID"

// Attacher injects session credentials into outbound requests.
type Attacher struct {
	// TenantHeader names the tenant-context header. Empty means DefaultTenantHeader.
	TenantHeader string
}

// Attach returns a copy of req carrying the bearer token and tenant header of s.
// Each header is set only when the session holds the matching value, so
// requests made before login pass through unauthenticated. req is not modified.
func (a Attacher) Attach(req *transport.Request, s session.Session) *transport.Request {
	out := req.Clone()
	if s.AccessToken != "" {
		out.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}
	if s.TenantID != "" {
		out.Header.Set(a.tenantHeader(), s.TenantID)
	}
	return out
}

func (a Attacher) tenantHeader() string {
	if a.TenantHeader == "" {
		return DefaultTenantHeader
	}
	return a.TenantHeader
}
