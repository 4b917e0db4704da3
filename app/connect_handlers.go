package app

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ConnectionStatus reports whether the site is connected, with the masked
// license key and remaining credits when it is.
func (h *Handlers) ConnectionStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	conn, err := LoadConnection(ctx)
	if errors.Is(err, ErrNotConnected) {
		c.JSON(http.StatusOK, gin.H{"connected": false})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"connected":    true,
		"license_key":  conn.MaskedLicenseKey(),
		"email":        conn.Email,
		"plan":         conn.Plan,
		"connected_at": conn.ConnectedAt,
	}
	credits, err := h.svc.Credits(ctx)
	if err != nil {
		zap.L().Warn("credit lookup failed", zap.Error(err))
		resp["credits_error"] = "credits unavailable"
	} else {
		resp["credits"] = credits
	}
	c.JSON(http.StatusOK, resp)
}

// StartConnect begins the credential exchange.
func (h *Handlers) StartConnect(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	authorizeURL, sess, err := h.svc.StartConnect(ctx, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorize_url": authorizeURL,
		"expires_at":    sess.ExpiresAt,
	})
}

// ConnectCallback is where the account service sends the editor back. It
// always redirects to the dashboard, with ?connected=1 or ?error=.
func (h *Handlers) ConnectCallback(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	q := url.Values{}
	_, err := h.svc.CompleteConnect(ctx, c.Query("session_token"), c.Query("code"))
	switch {
	case err == nil:
		q.Set("connected", "1")
	case errors.Is(err, ErrSessionExpired):
		q.Set("error", "session_expired")
	default:
		zap.L().Error("connect callback failed", zap.Error(err))
		q.Set("error", "exchange_failed")
	}
	c.Redirect(http.StatusFound, withQuery(h.svc.cfg.GenWave.DashboardURL, q))
}

// withQuery adds q to the query string base already carries.
func withQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + q.Encode()
	}
	merged := u.Query()
	for k, v := range q {
		merged[k] = v
	}
	u.RawQuery = merged.Encode()
	return u.String()
}

func (h *Handlers) Disconnect(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	if err := h.svc.Disconnect(ctx); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": false})
}
