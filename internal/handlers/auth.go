package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixelhealth/biasalert-backend/internal/services"
)

type AuthHandler struct {
	authService services.AuthService
	operatorKey string
}

func NewAuthHandler(authService services.AuthService, operatorKey string) *AuthHandler {
	return &AuthHandler{authService: authService, operatorKey: operatorKey}
}

var errBadCredentials = errors.New("invalid operator key")

// IssueToken mints a dashboard token for a reviewer or admin. Gated by the
// shared operator key so only the provisioning layer can mint tokens.
func (ah *AuthHandler) IssueToken(c *gin.Context) {
	var body struct {
		OperatorKey string `json:"operator_key"`
		UserID      string `json:"user_id"`
		Role        string `json:"role"`
		TTLSeconds  int    `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if ah.operatorKey == "" ||
		subtle.ConstantTimeCompare([]byte(body.OperatorKey), []byte(ah.operatorKey)) != 1 {
		RespondError(c, http.StatusUnauthorized, "unauthorized", errBadCredentials)
		return
	}
	if body.UserID == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", errors.New("user_id is required"))
		return
	}
	if body.Role == "" {
		body.Role = "reviewer"
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	token, err := ah.authService.IssueDashboardToken(body.UserID, body.Role, ttl)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "token_issue_failed", err)
		return
	}
	RespondOK(c, gin.H{"token": token, "user_id": body.UserID, "role": body.Role})
}
