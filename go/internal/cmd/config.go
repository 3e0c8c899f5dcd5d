package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway's non-secret tunables, loadable from a yaml
// file with env overrides for deployment-specific values.
type Config struct {
	Gateway struct {
		Port          string        `yaml:"port"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		RoomIdleTTL   time.Duration `yaml:"room_idle_ttl"`
	} `yaml:"gateway"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Gateway.Port = "8082"
	cfg.Gateway.SweepInterval = time.Minute
	cfg.Gateway.RoomIdleTTL = 15 * time.Minute
	return &cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
