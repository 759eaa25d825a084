package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Engine.ScanInterval == 0 {
		cfg.Engine.ScanInterval = time.Minute
	}
	if cfg.Engine.DispatchConcurrency == 0 {
		cfg.Engine.DispatchConcurrency = 4
	}
	if cfg.Engine.MigrationsDir == "" {
		cfg.Engine.MigrationsDir = "migrations"
	}
	if cfg.Alerts.Backlog == 0 {
		cfg.Alerts.Backlog = 50
	}
	if cfg.Alerts.FailureRatio == 0 {
		cfg.Alerts.FailureRatio = 0.3
	}
	if cfg.Alerts.Window == 0 {
		cfg.Alerts.Window = time.Hour
	}

	return &cfg, nil
}
