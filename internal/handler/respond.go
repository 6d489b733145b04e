// Package handler exposes the relay over HTTP. Protocol endpoints always
// answer 200 with a status field; admin endpoints use HTTP status codes.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"viewer-relay/internal/status"
)

// respond writes {"status": code} merged with fields. Internal faults are
// logged and reported as EXCEPTION without detail.
func respond(c *gin.Context, err error, fields gin.H) {
	code := status.CodeOf(err)
	if code == status.Exception {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"status": code}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// bind decodes the JSON body into dst, answering INVALID_PARAMETERS when it
// is malformed.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respond(c, status.ErrInvalidInput, nil)
		return false
	}
	return true
}
