package session

import (
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTenantClaim is the JWT claim read as the tenant id when none is configured.
const DefaultTenantClaim = "tenant_id"

// IdentityFromToken derives the user and tenant ids carried by a JWT access
// token. The signature is not verified: the token is only inspected to label
// the session, the server remains the authority on its validity.
// It returns a Patch that touches only the fields the token actually carries,
// so opaque tokens yield an empty Patch.
func IdentityFromToken(accessToken, tenantClaim string) Patch {
	var p Patch
	if accessToken == "" {
		return p
	}
	if tenantClaim == "" {
		tenantClaim = DefaultTenantClaim
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return p
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		p.UserID = Value(sub)
	}
	if tenant, ok := claims[tenantClaim].(string); ok && tenant != "" {
		p.TenantID = Value(tenant)
	}
	return p
}
