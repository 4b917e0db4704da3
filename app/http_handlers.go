package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers exposes the Service over HTTP.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Generate validates a generate request, persists it and dispatches its
// batches.
func (h *Handlers) Generate(c *gin.Context) {
	var in models.GenerateRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err)})
		return
	}
	if err := in.Normalize(); err != nil {
		respondError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	resp, err := h.svc.Submit(ctx, userID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handlers) ListRequests(c *gin.Context) {
	var q models.ListRequestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err)})
		return
	}
	q.Defaults()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	requests, total, err := ListRequests(ctx, q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"total":    total,
		"page":     q.Page,
		"per_page": q.PerPage,
		"pages":    batchCount(total, q.PerPage),
	})
}

func (h *Handlers) GetRequest(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	details, err := GetRequestDetails(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// CancelRequest cancels open items locally, then remotely on a best-effort
// basis.
func (h *Handlers) CancelRequest(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	details, err := h.svc.Cancel(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handlers) RetryRequest(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	job, n, err := h.svc.Retry(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if n == 0 {
		c.JSON(http.StatusOK, gin.H{"request_id": id, "items": 0})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": id,
		"job_id":     job.ID,
		"items":      n,
		"batches":    job.TotalBatches,
	})
}

func (h *Handlers) SyncRequest(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	n, err := h.svc.SyncRequest(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	details, err := GetRequestDetails(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n, "request": details.Request, "items": details.Items})
}

// ApplyItem marks a completed item applied and returns the value the
// editor writes back to the post.
func (h *Handlers) ApplyItem(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	item, err := ApplyItem(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item":    item,
		"post_id": item.PostID,
		"field":   item.Field,
		"value":   item.GeneratedValue,
	})
}

func (h *Handlers) RequestUsage(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if _, err := GetRequest(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	rows, err := RequestUsage(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id, "usage": rows})
}

func (h *Handlers) PostStatus(c *gin.Context) {
	postID, err := idParam(c, "postId")
	if err != nil {
		respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	statuses, err := PostStatuses(ctx, postID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": postID, "fields": statuses})
}

// Usage reports token usage for the last ?days days (default 30, max 365).
func (h *Handlers) Usage(c *gin.Context) {
	days := DefaultUsageDays
	if q := c.Query("days"); q != "" {
		v, err := parsePositiveInt(q)
		if err != nil || v > MaxUsageDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 365"})
			return
		}
		days = v
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	summary, err := UsageSummary(ctx, h.svc.now(), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetJobStatus returns status and batch progress for a job.
func GetJobStatus(c *gin.Context) {
	jobID := c.Param("jobid")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing job id"})
		return
	}
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status, err := FindJobStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job": status,
	})
}
