package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/labkiosk/pairsync/go/internal/sync/server"
)

// Config is the dev server's YAML configuration.
type Config struct {
	Server struct {
		Addr                string   `yaml:"addr"`
		CreateCodes         []string `yaml:"create_codes"`
		ShareCodeTTLSeconds int      `yaml:"share_code_ttl_seconds"`
		AllowedOrigins      []string `yaml:"allowed_origins"`
	} `yaml:"server"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config
	config.Server.Addr = getEnv("PAIRSYNC_ADDR", ":8080")
	config.Server.CreateCodes = []string{getEnv("PAIRSYNC_CREATE_CODE", "123456789")}
	config.Server.ShareCodeTTLSeconds = 300
	config.Server.AllowedOrigins = []string{"*"}

	if path == "" {
		return &config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// serverConfig maps the file config onto the sync server's knobs.
func (c *Config) serverConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.CreateCodes = c.Server.CreateCodes
	if c.Server.ShareCodeTTLSeconds > 0 {
		cfg.ShareCodeTTL = time.Duration(c.Server.ShareCodeTTLSeconds) * time.Second
	}
	return cfg
}
