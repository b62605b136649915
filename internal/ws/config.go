package ws

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/utils"
)

// Config holds the broadcast server options. Values come from an optional
// YAML file (ALERT_CONFIG_FILE) with env vars taking precedence.
type Config struct {
	Port               int
	HeartbeatInterval  time.Duration
	MaxConnections     int
	RequireAuth        bool
	AllowedOrigins     []string
	RateLimitPerMinute int
	BanDuration        time.Duration
}

type fileConfig struct {
	Port                     int      `yaml:"port"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	MaxConnections           int      `yaml:"max_connections"`
	RequireAuth              *bool    `yaml:"require_auth"`
	AllowedOrigins           []string `yaml:"allowed_origins"`
	RateLimitPerMinute       int      `yaml:"rate_limit_per_minute"`
	BanDurationSeconds       int      `yaml:"ban_duration_seconds"`
}

func DefaultConfig() Config {
	return Config{
		Port:               8090,
		HeartbeatInterval:  30 * time.Second,
		MaxConnections:     500,
		RequireAuth:        true,
		AllowedOrigins:     []string{"http://localhost:3000"},
		RateLimitPerMinute: 60,
		BanDuration:        5 * time.Minute,
	}
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("ALERT_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read alert config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return cfg, fmt.Errorf("parse alert config file: %w", err)
		}
		if fc.Port > 0 {
			cfg.Port = fc.Port
		}
		if fc.HeartbeatIntervalSeconds > 0 {
			cfg.HeartbeatInterval = time.Duration(fc.HeartbeatIntervalSeconds) * time.Second
		}
		if fc.MaxConnections > 0 {
			cfg.MaxConnections = fc.MaxConnections
		}
		if fc.RequireAuth != nil {
			cfg.RequireAuth = *fc.RequireAuth
		}
		if len(fc.AllowedOrigins) > 0 {
			cfg.AllowedOrigins = fc.AllowedOrigins
		}
		if fc.RateLimitPerMinute > 0 {
			cfg.RateLimitPerMinute = fc.RateLimitPerMinute
		}
		if fc.BanDurationSeconds > 0 {
			cfg.BanDuration = time.Duration(fc.BanDurationSeconds) * time.Second
		}
		if log != nil {
			log.Info("alert config file loaded", "path", path)
		}
	}

	cfg.Port = utils.GetEnvAsInt("ALERT_WS_PORT", cfg.Port, log)
	cfg.HeartbeatInterval = time.Duration(utils.GetEnvAsInt("ALERT_HEARTBEAT_SECONDS", int(cfg.HeartbeatInterval/time.Second), log)) * time.Second
	cfg.MaxConnections = utils.GetEnvAsInt("ALERT_MAX_CONNECTIONS", cfg.MaxConnections, log)
	cfg.RequireAuth = utils.GetEnvAsBool("ALERT_REQUIRE_AUTH", cfg.RequireAuth, log)
	if origins := strings.TrimSpace(os.Getenv("ALERT_ALLOWED_ORIGINS")); origins != "" {
		parts := strings.Split(origins, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			cfg.AllowedOrigins = out
		}
	}
	cfg.RateLimitPerMinute = utils.GetEnvAsInt("ALERT_RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute, log)
	cfg.BanDuration = time.Duration(utils.GetEnvAsInt("ALERT_BAN_SECONDS", int(cfg.BanDuration/time.Second), log)) * time.Second

	return cfg, nil
}
