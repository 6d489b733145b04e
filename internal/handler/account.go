package handler

import (
	"github.com/gin-gonic/gin"

	"viewer-relay/internal/account"
	"viewer-relay/internal/status"
)

type AccountHandler struct {
	Accounts *account.Service
}

type signUpBody struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AccountHandler) SignUp(c *gin.Context) {
	var body signUpBody
	if !bind(c, &body) {
		return
	}
	token, err := h.Accounts.SignUp(c.Request.Context(), body.Name, body.Email, body.Password)
	if err != nil {
		respond(c, err, nil)
		return
	}
	respond(c, nil, gin.H{"token": token})
}

type verifyActivationBody struct {
	Token            string `json:"token"`
	VerificationCode string `json:"verificationCode"`
}

func (h *AccountHandler) VerifyActivation(c *gin.Context) {
	var body verifyActivationBody
	if !bind(c, &body) {
		return
	}
	token, err := h.Accounts.VerifyActivation(c.Request.Context(), body.Token, body.VerificationCode)
	if status.CodeOf(err) == status.TokenExpired {
		respond(c, err, gin.H{"token": token})
		return
	}
	respond(c, err, nil)
}

type signInBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AccountHandler) SignIn(c *gin.Context) {
	var body signInBody
	if !bind(c, &body) {
		return
	}
	res, err := h.Accounts.SignIn(c.Request.Context(), body.Email, body.Password)
	switch status.CodeOf(err) {
	case status.Success:
		respond(c, nil, gin.H{"uid": res.UID, "token": res.Token, "name": res.Name, "v": res.Version})
	case status.AccountNotActivated:
		respond(c, err, gin.H{"token": res.ActivationToken})
	default:
		respond(c, err, nil)
	}
}

type loginWithTokenBody struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
	IsWeb bool   `json:"isWeb"`
}

func (h *AccountHandler) LoginWithToken(c *gin.Context) {
	var body loginWithTokenBody
	if !bind(c, &body) {
		return
	}
	login, err := h.Accounts.LoginWithToken(c.Request.Context(), body.UID, body.Token, body.IsWeb)
	if err != nil {
		respond(c, err, nil)
		return
	}
	fields := gin.H{"uid": login.UID, "token": login.Token, "v": login.Version}
	if body.IsWeb {
		fields["devices"] = login.WebDevices
		fields["subdevices"] = login.WebSubDevices
	} else {
		fields["devices"] = login.Devices
		fields["subdevices"] = login.SubDevices
	}
	respond(c, nil, fields)
}

type sessionBody struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

func (h *AccountHandler) RequestDeactivation(c *gin.Context) {
	var body sessionBody
	if !bind(c, &body) {
		return
	}
	respond(c, h.Accounts.RequestDeactivation(c.Request.Context(), body.UID, body.Token), nil)
}

type confirmDeactivationBody struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
	Code  string `json:"code"`
}

func (h *AccountHandler) ConfirmDeactivation(c *gin.Context) {
	var body confirmDeactivationBody
	if !bind(c, &body) {
		return
	}
	respond(c, h.Accounts.ConfirmDeactivation(c.Request.Context(), body.UID, body.Token, body.Code), nil)
}
