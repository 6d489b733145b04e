package handler

import (
	"github.com/gin-gonic/gin"

	"viewer-relay/internal/account"
)

type SharingHandler struct {
	Accounts *account.Service
}

type modifySubDeviceBody struct {
	UID       string `json:"uid"`
	Token     string `json:"token"`
	AccountID int64  `json:"accountId"`
	DeviceID  int64  `json:"deviceId"`
	IsAdd     bool   `json:"isAdd"`
}

func (h *SharingHandler) ModifySubDevice(c *gin.Context) {
	var body modifySubDeviceBody
	if !bind(c, &body) {
		return
	}
	err := h.Accounts.ModifySubDevice(c.Request.Context(), body.UID, body.Token, body.AccountID, body.DeviceID, body.IsAdd)
	respond(c, err, nil)
}

type subAccountStateBody struct {
	UID       string `json:"uid"`
	Token     string `json:"token"`
	AccountID int64  `json:"accountId"`
	State     int    `json:"state"`
}

func (h *SharingHandler) UpdateSubAccountState(c *gin.Context) {
	var body subAccountStateBody
	if !bind(c, &body) {
		return
	}
	err := h.Accounts.UpdateSubAccountState(c.Request.Context(), body.UID, body.Token, body.AccountID, body.State)
	respond(c, err, nil)
}

type disconnectBody struct {
	UID       string `json:"uid"`
	Token     string `json:"token"`
	AccountID int64  `json:"accountId"`
}

func (h *SharingHandler) DisconnectMainAccount(c *gin.Context) {
	var body disconnectBody
	if !bind(c, &body) {
		return
	}
	respond(c, h.Accounts.DisconnectMainAccount(c.Request.Context(), body.UID, body.Token, body.AccountID), nil)
}
