// Package app serves the Gen Wave connector API: generation requests, the
// account connection and the backend webhook.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"
	"github.com/ofirs1988/genwave-sub001/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NonceHeader carries the action nonce on mutating requests.
const NonceHeader = "X-GenWave-Nonce"

// Nonce actions, one per mutating route.
const (
	ActionGenerate   = "genwave_generate"
	ActionCancel     = "genwave_cancel"
	ActionRetry      = "genwave_retry"
	ActionSync       = "genwave_sync"
	ActionApply      = "genwave_apply"
	ActionConnect    = "genwave_connect"
	ActionDisconnect = "genwave_disconnect"
)

var nonceActions = map[string]bool{
	ActionGenerate:   true,
	ActionCancel:     true,
	ActionRetry:      true,
	ActionSync:       true,
	ActionApply:      true,
	ActionConnect:    true,
	ActionDisconnect: true,
}

const recentRequests = 5

// Health is a public health check endpoint.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Me returns the authenticated editor and whether the site is connected.
func (h *Handlers) Me(c *gin.Context) {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	c.JSON(http.StatusOK, gin.H{
		"subject":      claims.Subject,
		"capabilities": claims.Capabilities(),
		"connected":    h.svc.Connected(ctx),
	})
}

// Nonce issues a nonce for ?action= bound to the current editor.
func (h *Handlers) Nonce(c *gin.Context) {
	action := c.Query("action")
	if !nonceActions[action] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action":     action,
		"nonce":      h.svc.nonces.Create(action, userID(c)),
		"expires_in": int(h.svc.nonces.Lifetime().Seconds()),
	})
}

// RequireNonce rejects requests without a valid nonce for action.
func (h *Handlers) RequireNonce(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.nonces.Check(c.GetHeader(NonceHeader), action, userID(c)); err != nil {
			zap.L().Info("nonce check failed",
				zap.String("action", action),
				zap.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid or expired nonce"})
			return
		}
		c.Next()
	}
}

// Dashboard summarizes request counts, recent requests and usage.
func (h *Handlers) Dashboard(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	counts, err := StatusCounts(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	recent, _, err := ListRequests(ctx, models.ListRequestsQuery{Page: 1, PerPage: recentRequests})
	if err != nil {
		respondError(c, err)
		return
	}
	usage, err := UsageTotalsSince(ctx, usageSince(h.svc.now(), DefaultUsageDays))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.Dashboard{
		Counts:    counts,
		Recent:    recent,
		Usage:     usage,
		Connected: h.svc.Connected(ctx),
	})
}
