package auth

import (
	"context"
	"strings"
	"time"
)

type ctxKey int

const claimsKey ctxKey = iota

// Claims contains the verified Auth0 token details we care about.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Scope     string
	// Permissions is the Auth0 RBAC permissions claim.
	Permissions []string
}

// WithClaims stores auth claims in a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns claims from a context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// Can reports whether the claims grant capability, either through the
// permissions claim or a space separated scope.
func (c *Claims) Can(capability string) bool {
	for _, p := range c.Permissions {
		if p == capability {
			return true
		}
	}
	for _, s := range strings.Fields(c.Scope) {
		if s == capability {
			return true
		}
	}
	return false
}

// Capabilities lists the known capabilities the claims grant.
func (c *Claims) Capabilities() []string {
	out := []string{}
	for _, capability := range []string{CapEditPosts, CapManageOptions} {
		if c.Can(capability) {
			out = append(out, capability)
		}
	}
	return out
}
