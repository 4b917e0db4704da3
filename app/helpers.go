package app

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ofirs1988/genwave-sub001/app/models"
	"github.com/ofirs1988/genwave-sub001/auth"
	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errInvalidID = errors.New("invalid id")

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}

// idParam reads a positive int64 path parameter.
func idParam(c *gin.Context, name string) (int64, error) {
	n, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || n <= 0 {
		return 0, errInvalidID
	}
	return n, nil
}

// userID is the authenticated editor's subject.
func userID(c *gin.Context) string {
	if claims, ok := auth.ClaimsFromContext(c.Request.Context()); ok {
		return claims.Subject
	}
	return ""
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	var apiErr *genwave.APIError
	switch {
	case errors.Is(err, errInvalidID):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, ErrNotConnected):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, ErrItemNotCompleted):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrFieldNotAllowed), errors.Is(err, models.ErrInvalidLanguage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.As(err, &apiErr):
		status, msg = http.StatusBadGateway, apiErr.Error()
	}

	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": msg})
}
