package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"viewer-relay/internal/heartbeat"
)

type HeartbeatHandler struct {
	Protocol *heartbeat.Protocol
}

func (h *HeartbeatHandler) Poll(c *gin.Context) {
	var req heartbeat.Request
	if !bind(c, &req) {
		return
	}
	resp := h.Protocol.Handle(c.Request.Context(), req, c.ClientIP())
	c.JSON(http.StatusOK, resp)
}
