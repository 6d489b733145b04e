package handler

import (
	"github.com/gin-gonic/gin"

	"viewer-relay/internal/account"
	"viewer-relay/internal/relay"
)

type DeviceHandler struct {
	Accounts *account.Service
	Relay    *relay.Relay
}

type bindBody struct {
	UID     string `json:"uid"`
	Token   string `json:"token"`
	Payload string `json:"payload"`
}

func (h *DeviceHandler) Bind(c *gin.Context) {
	var body bindBody
	if !bind(c, &body) {
		return
	}
	nonce, err := h.Accounts.Bind(c.Request.Context(), body.UID, body.Token, body.Payload)
	if err != nil {
		respond(c, err, nil)
		return
	}
	respond(c, nil, gin.H{"nonce": nonce})
}

type deviceBody struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
	DID   string `json:"did"`
}

func (h *DeviceHandler) Unbind(c *gin.Context) {
	var body deviceBody
	if !bind(c, &body) {
		return
	}
	respond(c, h.Accounts.Unbind(c.Request.Context(), body.UID, body.Token, body.DID), nil)
}

type renameBody struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
	DID   string `json:"did"`
	Title string `json:"title"`
}

func (h *DeviceHandler) Rename(c *gin.Context) {
	var body renameBody
	if !bind(c, &body) {
		return
	}
	respond(c, h.Accounts.Rename(c.Request.Context(), body.UID, body.Token, body.DID, body.Title), nil)
}

type commandBody struct {
	UID     string `json:"uid"`
	Token   string `json:"token"`
	DID     string `json:"did"`
	Cmd     string `json:"cmd"`
	Payload string `json:"payload"`
}

func (h *DeviceHandler) Command(c *gin.Context) {
	var body commandBody
	if !bind(c, &body) {
		return
	}
	err := h.Relay.Dispatch(c.Request.Context(), body.UID, body.Token, relay.Command{
		DeviceID: body.DID,
		Kind:     body.Cmd,
		Payload:  body.Payload,
	})
	respond(c, err, nil)
}

func (h *DeviceHandler) AcceptConnection(c *gin.Context) {
	var body deviceBody
	if !bind(c, &body) {
		return
	}
	respond(c, h.Relay.AcceptConnection(c.Request.Context(), body.UID, body.Token, body.DID), nil)
}
