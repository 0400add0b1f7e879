// Package config loads the orchestration server's own configuration: the
// gateway bind address, storage driver selection, and history-provider
// file roots. It stays deliberately narrow; CLI/auth/channel config is
// an external collaborator's concern, not this core's.
package config

import (
	"os"

	json5 "github.com/titanous/json5"
)

// GatewayConfig controls the C8 websocket listener.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowedOrigins"`
	RateLimitRPM    int      `json:"rateLimitRpm"`
	MaxMessageBytes int      `json:"maxMessageBytes"`
}

// StorageConfig selects the durable backends for C1/C5.
type StorageConfig struct {
	// Driver is "memory", "file", or "postgres".
	Driver        string `json:"driver"`
	FileDir       string `json:"fileDir"`
	PostgresDSN   string `json:"postgresDsn"`
	SessionLRUMax int    `json:"sessionLruMax"`
}

// HistoryConfig points C2's external-file providers at CLI session roots.
type HistoryConfig struct {
	ClaudeSessionsRoot string `json:"claudeSessionsRoot"`
	PiSessionsRoot     string `json:"piSessionsRoot"`
	WatchForChanges    bool   `json:"watchForChanges"`
}

type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Storage StorageConfig `json:"storage"`
	History HistoryConfig `json:"history"`
}

// Default returns a zero-config-friendly standalone configuration:
// in-memory storage, no origin allowlist (permit all), no CLI roots.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            8790,
			AllowedOrigins:  nil,
			RateLimitRPM:    120,
			MaxMessageBytes: 1 << 20,
		},
		Storage: StorageConfig{
			Driver:        "memory",
			FileDir:       "./data/sessions",
			SessionLRUMax: 100,
		},
		History: HistoryConfig{
			WatchForChanges: true,
		},
	}
}

// Load reads a json5 config file over Default(), tolerating a missing
// file (standalone mode needs none).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath applies flag, then env, then default precedence.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("CONDUIT_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}
