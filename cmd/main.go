package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pixelhealth/biasalert-backend/internal/db"
	"github.com/pixelhealth/biasalert-backend/internal/handlers"
	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/middleware"
	"github.com/pixelhealth/biasalert-backend/internal/observability"
	"github.com/pixelhealth/biasalert-backend/internal/repos"
	"github.com/pixelhealth/biasalert-backend/internal/server"
	"github.com/pixelhealth/biasalert-backend/internal/services"
	"github.com/pixelhealth/biasalert-backend/internal/utils"
	"github.com/pixelhealth/biasalert-backend/internal/ws"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	tokenTTL := utils.GetEnvAsInt("DASHBOARD_TOKEN_TTL", 3600, log)
	operatorKey := utils.GetEnv("OPERATOR_KEY", "", log)
	apiOrigins := utils.GetEnv("API_ALLOWED_ORIGINS", "http://localhost:3000", log)

	// Tracing
	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "biasalert-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	flagRepo := repos.NewCrisisFlagRepo(thePG, log)
	statusRepo := repos.NewSessionStatusRepo(thePG, log)
	auditRepo := repos.NewAuditLogRepo(thePG, log)

	// Alert websocket server
	log.Info("Setting up alert server now...")
	wsCfg, err := ws.LoadConfig(log)
	if err != nil {
		log.Error("Could not load alert server config", "error", err)
		os.Exit(1)
	}
	authService := services.NewAuthService(log, jwtSecretKey, time.Duration(tokenTTL)*time.Second)
	alertServer := ws.NewAlertServer(wsCfg, log, authService)

	// Services
	log.Info("Setting up Services from main...")
	var alertBus services.AlertBus
	if os.Getenv("REDIS_ADDR") != "" {
		alertBus, err = services.NewRedisAlertBus(log)
		if err != nil {
			log.Warn("Redis alert bus unavailable, falling back to local broadcast", "error", err)
			alertBus = nil
		}
	}
	notifier := services.NewAlertNotifier(log, alertServer, alertBus)
	auditService := services.NewAuditService(log, auditRepo)
	crisisService := services.NewCrisisService(thePG, log, flagRepo, statusRepo, auditService, notifier)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if alertBus != nil {
		if err := alertBus.StartForwarder(rootCtx, func(m services.AlertBusMessage) {
			alertServer.BroadcastBiasAlert(rootCtx, m.Alert, m.Result)
		}); err != nil {
			log.Warn("Alert bus forwarder failed to start", "error", err)
		}
	}
	if err := alertServer.Start(rootCtx); err != nil {
		log.Error("Could not start alert server", "error", err)
		os.Exit(1)
	}

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(authService, operatorKey)
	crisisHandler := handlers.NewCrisisHandler(crisisService)
	alertsHandler := handlers.NewAlertsHandler(log, alertServer, notifier)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AllowedOrigins: strings.Split(apiOrigins, ","),
		AuthHandler:    authHandler,
		AuthMiddleware: authMiddleware,
		CrisisHandler:  crisisHandler,
		AlertsHandler:  alertsHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	apiSrv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		fmt.Printf("Server listening on :%s\n", port)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := alertServer.Stop(shutdownCtx); err != nil {
		log.Warn("Alert server shutdown", "error", err)
	}
	if alertBus != nil {
		if err := alertBus.Close(); err != nil {
			log.Warn("Alert bus close", "error", err)
		}
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("API server shutdown", "error", err)
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("Otel shutdown", "error", err)
		}
	}
}
