package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBytes = int64(1 << 20)

// GenerationWebhook applies results the backend pushes for a generation.
// The body must be signed with the site's shared secret.
func (h *Handlers) GenerationWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		zap.L().Warn("webhook read failed", zap.Error(err))
		webhooksReceived.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	conn, secret, err := h.svc.credentials(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			webhooksReceived.WithLabelValues("not_connected").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "site is not connected"})
			return
		}
		respondError(c, err)
		return
	}

	if lic := c.GetHeader(genwave.HeaderLicense); lic != "" && lic != conn.LicenseKey {
		zap.L().Warn("webhook license mismatch")
		webhooksReceived.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}
	if err := genwave.VerifySignature(
		secret,
		c.GetHeader(genwave.HeaderTimestamp),
		c.GetHeader(genwave.HeaderSignature),
		body,
		h.svc.now(),
		genwave.DefaultTolerance,
	); err != nil {
		zap.L().Warn("webhook signature failed", zap.Error(err))
		webhooksReceived.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	var payload genwave.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.GenerationID == "" {
		webhooksReceived.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	req, err := FindRequestByUUID(ctx, payload.RequestID)
	if errors.Is(err, ErrNotFound) {
		// acknowledge so the backend stops redelivering
		zap.L().Warn("webhook for unknown request",
			zap.String("request_uuid", payload.RequestID),
			zap.String("generation_id", payload.GenerationID),
		)
		webhooksReceived.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	n, err := h.svc.applyGeneration(ctx, req.ID, &genwave.Generation{
		ID:      payload.GenerationID,
		Status:  payload.Status,
		Results: payload.Results,
	})
	if err != nil {
		webhooksReceived.WithLabelValues("error").Inc()
		respondError(c, err)
		return
	}

	webhooksReceived.WithLabelValues("applied").Inc()
	zap.L().Info("webhook applied",
		zap.Int64("request_id", req.ID),
		zap.String("generation_id", payload.GenerationID),
		zap.String("status", payload.Status),
		zap.Int("items", n),
	)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "applied": n})
}
