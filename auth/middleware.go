package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Editor capabilities carried in the permissions (or scope) claim.
const (
	CapEditPosts     = "edit_posts"
	CapManageOptions = "manage_options"
)

// MiddlewareConfig controls auth enforcement behavior.
type MiddlewareConfig struct {
	// DisableAuth injects local development claims instead of checking
	// tokens.
	DisableAuth bool
}

// Middleware enforces bearer token auth and injects claims into the request context.
func Middleware(verifier *Verifier, cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.DisableAuth || AuthDisabled() {
			claims := &Claims{
				Subject:     "local-dev",
				Issuer:      "local",
				Permissions: []string{CapEditPosts, CapManageOptions},
			}
			ctx := WithClaims(c.Request.Context(), claims)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		if verifier == nil {
			respondUnauthorized(c, "auth verifier not configured")
			return
		}

		path := zap.String("path", c.Request.URL.Path)

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			zap.L().Info("auth failure: missing Authorization header", path)
			respondUnauthorized(c, "missing authorization header")
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			zap.L().Info("auth failure: malformed Authorization header", path)
			respondUnauthorized(c, "invalid authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			zap.L().Info("auth failure: token invalid", path, zap.Error(err))
			respondUnauthorized(c, "invalid token")
			return
		}

		ctx := WithClaims(c.Request.Context(), claims)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireCapabilities rejects requests whose claims lack any of caps with 403.
// It must run after Middleware.
func RequireCapabilities(caps ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c.Request.Context())
		if !ok {
			respondUnauthorized(c, "missing auth context")
			return
		}
		for _, want := range caps {
			if !claims.Can(want) {
				zap.L().Info("auth failure: missing capability",
					zap.String("path", c.Request.URL.Path),
					zap.String("subject", claims.Subject),
					zap.String("capability", want),
				)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "insufficient permissions",
				})
				return
			}
		}
		c.Next()
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
	})
}
