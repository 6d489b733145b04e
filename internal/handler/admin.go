package handler

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"viewer-relay/internal/account"
	"viewer-relay/internal/hub"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
)

// AdminHandler serves operator inspection and maintenance endpoints.
type AdminHandler struct {
	Registry *registry.Registry
	Hub      *hub.Hub
	Accounts *account.Service
}

func (h *AdminHandler) Stats(c *gin.Context) {
	st := h.Registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"users":       st.Users,
		"devices":     st.Devices,
		"owned":       st.Owned,
		"connections": h.Hub.Count(),
	})
}

type deviceView struct {
	ID         int64     `json:"id"`
	UID        string    `json:"uid"`
	Name       string    `json:"name"`
	Model      byte      `json:"model"`
	Firmware   int64     `json:"build"`
	Version    uint32    `json:"version"`
	Capability uint32    `json:"flags"`
	LastSeen   time.Time `json:"lastSeen"`
	Owner      string    `json:"owner,omitempty"`
	Shared     []string  `json:"shared"`
	Pending    struct {
		Reboot bool   `json:"reboot"`
		NAT    string `json:"nat,omitempty"`
		WOL    string `json:"wol,omitempty"`
	} `json:"pending"`
}

func (h *AdminHandler) Device(c *gin.Context) {
	rec := h.Registry.FindDeviceGlobally(c.Param("did"))
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	st := rec.Snapshot()
	view := deviceView{
		ID:         rec.ID(),
		UID:        rec.PublicID(),
		Name:       st.Name,
		Model:      st.Model,
		Firmware:   st.Firmware,
		Version:    st.Version,
		Capability: st.Capability,
		LastSeen:   st.LastActive.UTC(),
		Shared:     rec.SharedAccounts(),
	}
	if owner := h.Registry.OwnerOf(rec); owner != nil {
		view.Owner = owner.PublicID
	}
	pending := rec.Pending()
	view.Pending.Reboot = pending.Reboot
	if len(pending.NAT) > 0 {
		view.Pending.NAT = hex.EncodeToString(pending.NAT)
	}
	if len(pending.WOL) > 0 {
		view.Pending.WOL = hex.EncodeToString(pending.WOL)
	}
	c.JSON(http.StatusOK, view)
}

func (h *AdminHandler) DeleteUser(c *gin.Context) {
	err := h.Accounts.DeleteAccount(c.Request.Context(), c.Param("uid"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case status.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

type grantBody struct {
	Parent  string `json:"parent" binding:"required"`
	Account string `json:"account" binding:"required"`
	Name    string `json:"name"`
}

func (h *AdminHandler) Grant(c *gin.Context) {
	var body grantBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	sa, err := h.Accounts.Grant(c.Request.Context(), body.Parent, body.Account, body.Name)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"sub_account_id": sa.ID, "status": sa.Status})
	case status.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
	case status.CodeOf(err) == status.InvalidParameters:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
