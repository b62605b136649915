package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/pixelhealth/biasalert-backend/internal/handlers"
	"github.com/pixelhealth/biasalert-backend/internal/middleware"
)

type RouterConfig struct {
	AllowedOrigins []string

	AuthHandler    *handlers.AuthHandler
	AuthMiddleware *middleware.AuthMiddleware
	CrisisHandler  *handlers.CrisisHandler
	AlertsHandler  *handlers.AlertsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("biasalert-backend"))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/api/auth/token", cfg.AuthHandler.IssueToken)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Crisis review
	protected.POST("/crisis/flags", cfg.CrisisHandler.FlagSession)
	protected.PATCH("/crisis/flags/:id/status", cfg.CrisisHandler.UpdateFlagStatus)
	protected.GET("/crisis/flags/pending", cfg.CrisisHandler.GetPendingFlags)
	protected.GET("/crisis/users/:userId/flags", cfg.CrisisHandler.GetUserFlags)
	protected.GET("/crisis/users/:userId/status", cfg.CrisisHandler.GetUserStatus)
	// Alert ingest and operations
	protected.POST("/bias/alerts", cfg.AlertsHandler.IngestAnalysisResult)
	protected.GET("/alerts/status", cfg.AlertsHandler.Status)
	protected.GET("/alerts/clients", cfg.AlertsHandler.Clients)
	// Operator controls
	admin := protected.Group("/alerts")
	admin.Use(cfg.AuthMiddleware.RequireRole("admin"))
	admin.POST("/test", cfg.AlertsHandler.SendTestAlert)
	admin.POST("/shutdown", cfg.AlertsHandler.Shutdown)

	return router
}
