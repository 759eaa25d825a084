package config

import (
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/provider"
	redisclient "github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/redis"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage/postgres"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/alerting"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Engine   EngineConfig        `yaml:"engine"`
	Provider provider.Config     `yaml:"provider"`
	Webhook  WebhookConfig       `yaml:"webhook"`
	Admin    AdminConfig         `yaml:"admin"`
	Alerts   alerting.Thresholds `yaml:"alerts"`
	Redis    redisclient.Config  `yaml:"redis"`
	Logging  LoggingConfig       `yaml:"logging"`
	Database postgres.Config     `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EngineConfig holds the processing-loop settings.
type EngineConfig struct {
	ScanInterval        time.Duration `yaml:"scan_interval"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`
	RetentionPeriod     time.Duration `yaml:"retention_period"` // 0 = keep forever
	MigrationsDir       string        `yaml:"migrations_dir"`
}

// WebhookConfig holds provider-callback verification settings.
type WebhookConfig struct {
	Secret    string        `yaml:"secret"`
	Tolerance time.Duration `yaml:"tolerance"`
}

// AdminConfig holds admin surface settings.
type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}
