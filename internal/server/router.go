package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"viewer-relay/internal/account"
	"viewer-relay/internal/auth"
	"viewer-relay/internal/handler"
	"viewer-relay/internal/heartbeat"
	"viewer-relay/internal/hub"
	"viewer-relay/internal/middleware"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/relay"
)

type Deps struct {
	Registry    *registry.Registry
	Accounts    *account.Service
	Relay       *relay.Relay
	Heartbeat   *heartbeat.Protocol
	Hub         *hub.Hub
	Throttle    *middleware.Throttle
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
}

// minimum interval between throttled requests from one address
const (
	throttleAuth       = 500 * time.Millisecond
	throttleActivation = 1000 * time.Millisecond
	throttleDevice     = 500 * time.Millisecond
	throttleCommand    = 100 * time.Millisecond
	throttleSharing    = 300 * time.Millisecond
	throttleDeactivate = 3000 * time.Millisecond
)

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	throttle := deps.Throttle
	if throttle == nil {
		throttle = &middleware.Throttle{}
	}

	heartbeatHandler := &handler.HeartbeatHandler{Protocol: deps.Heartbeat}
	r.POST("/api/v2/device_heartbeat", heartbeatHandler.Poll)
	r.POST("/device/heartbeat", heartbeatHandler.Poll)

	accountHandler := &handler.AccountHandler{Accounts: deps.Accounts}
	r.POST("/api/v2/signup", throttle.Require(throttleAuth), accountHandler.SignUp)
	r.POST("/verify/activation", throttle.Require(throttleActivation), accountHandler.VerifyActivation)
	r.POST("/api/v2/signin", throttle.Require(throttleAuth), accountHandler.SignIn)
	r.POST("/api/v2/loginWithToken", throttle.Require(throttleAuth), accountHandler.LoginWithToken)
	r.POST("/account/deactivate_request", throttle.Require(throttleDeactivate), accountHandler.RequestDeactivation)
	r.POST("/account/deactivate_confirm", throttle.Require(throttleDeactivate), accountHandler.ConfirmDeactivation)

	deviceHandler := &handler.DeviceHandler{Accounts: deps.Accounts, Relay: deps.Relay}
	r.POST("/api/v2/bind_device", throttle.Require(throttleDevice), deviceHandler.Bind)
	r.POST("/api/v2/rename_device", throttle.Require(throttleDevice), deviceHandler.Rename)
	r.POST("/device/unregister", throttle.Require(throttleDevice), deviceHandler.Unbind)
	r.POST("/api/v2/request_device", throttle.Require(throttleCommand), deviceHandler.Command)
	r.POST("/device/accept_connection", throttle.Require(throttleCommand), deviceHandler.AcceptConnection)

	sharingHandler := &handler.SharingHandler{Accounts: deps.Accounts}
	r.POST("/api/v2/modify_subdevice", throttle.Require(throttleSharing), sharingHandler.ModifySubDevice)
	r.POST("/api/v2/update_subaccount_state", throttle.Require(throttleSharing), sharingHandler.UpdateSubAccountState)
	r.POST("/api/v2/disconnect_main_account", throttle.Require(throttleSharing), sharingHandler.DisconnectMainAccount)

	eventsHandler := &handler.EventsHandler{Hub: deps.Hub, Registry: deps.Registry}
	r.GET("/api/v2/device_events", eventsHandler.Serve)

	admin := r.Group("/admin")
	admin.Use(middleware.RequireAdmin(deps.TokenConfig))
	adminHandler := &handler.AdminHandler{Registry: deps.Registry, Hub: deps.Hub, Accounts: deps.Accounts}
	admin.GET("/stats", adminHandler.Stats)
	admin.GET("/devices/:did", adminHandler.Device)
	admin.DELETE("/users/:uid", adminHandler.DeleteUser)
	admin.POST("/subaccounts", adminHandler.Grant)

	return r
}
