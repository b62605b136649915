package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/services"
	"github.com/pixelhealth/biasalert-backend/internal/types"
	"github.com/pixelhealth/biasalert-backend/internal/ws"
)

type AlertsHandler struct {
	log      *logger.Logger
	server   *ws.AlertServer
	notifier services.AlertNotifier
}

func NewAlertsHandler(log *logger.Logger, server *ws.AlertServer, notifier services.AlertNotifier) *AlertsHandler {
	return &AlertsHandler{
		log:      log.With("handler", "AlertsHandler"),
		server:   server,
		notifier: notifier,
	}
}

func (ah *AlertsHandler) Status(c *gin.Context) {
	RespondOK(c, ah.server.Status())
}

func (ah *AlertsHandler) Clients(c *gin.Context) {
	clients := ah.server.Clients()
	RespondOK(c, gin.H{"clients": clients, "count": len(clients)})
}

// IngestAnalysisResult accepts a finished analysis from the external engine
// and fans the resulting alert out to subscribed dashboards.
func (ah *AlertsHandler) IngestAnalysisResult(c *gin.Context) {
	var result types.BiasAnalysisResult
	if err := c.ShouldBindJSON(&result); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	ah.notifier.NotifyAnalysisResult(c.Request.Context(), &result)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "session_id": result.SessionID})
}

// SendTestAlert pushes a synthetic alert through the full broadcast path so
// operators can verify dashboard connectivity end to end.
func (ah *AlertsHandler) SendTestAlert(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Message == "" {
		body.Message = "test alert"
	}
	level, err := types.ParseSeverity(body.Level)
	if err != nil {
		level = types.SeverityLow
	}
	alert := &types.BiasAlert{
		AlertID:   uuid.New().String(),
		Type:      types.AlertTypeSystemTest,
		Level:     level,
		Message:   body.Message,
		Timestamp: time.Now().UTC(),
	}
	delivered := ah.server.BroadcastBiasAlert(c.Request.Context(), alert, nil)
	RespondOK(c, gin.H{"alert_id": alert.AlertID, "delivered": delivered})
}

// Shutdown stops the alert websocket listener without touching the API
// server. Operator-only.
func (ah *AlertsHandler) Shutdown(c *gin.Context) {
	shutdownCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := ah.server.Stop(shutdownCtx); err != nil {
		RespondError(c, http.StatusInternalServerError, "shutdown_failed", err)
		return
	}
	ah.log.Info("alert server shut down via operator endpoint")
	RespondOK(c, gin.H{"stopped": true})
}
