// Package config loads the mesh server's runtime configuration from
// config.json, falling back to defaults and writing them out, with
// environment-variable overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultTCPAddr = "0.0.0.0:7777"
	DefaultUDPAddr = "0.0.0.0:7777"
)

type LoggerConfig struct {
	Level   string
	Console bool
	Path    string
}

type Config struct {
	TCPAddr string
	UDPAddr string // empty disables UDP registration entirely

	WriteBufferSize  int
	ObjectBufferSize int
	KeepAliveMillis  int64
	TimeoutMillis    int64
	IdleThreshold    float64

	Logger LoggerConfig

	MetricsAddr    string // empty disables the /metrics listener
	DashboardAddr  string // empty disables the dashboard websocket listener
	StunServerAddr string // empty disables STUN-assisted discovery replies
	ConsoleEnabled bool
}

const configFilePath = "config.json"

// Load reads config.json if it exists, otherwise builds and persists the
// default configuration, mirroring the teacher's
// GenerageConfig/ReadConfig/WriteConfigToFile round trip. Environment
// variables always take precedence over whatever was loaded from disk.
func Load() (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		cfg = defaultConfig()
		if err := cfg.WriteToFile(); err != nil {
			return nil, err
		}
	} else {
		loaded, err := ReadConfig(configFilePath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		TCPAddr:          DefaultTCPAddr,
		UDPAddr:          DefaultUDPAddr,
		WriteBufferSize:  16384,
		ObjectBufferSize: 2048,
		KeepAliveMillis:  8000,
		TimeoutMillis:    12000,
		IdleThreshold:    0.1,
		Logger: LoggerConfig{
			Level:   "info",
			Console: true,
		},
		MetricsAddr:    "127.0.0.1:9477",
		DashboardAddr:  "",
		StunServerAddr: "",
		ConsoleEnabled: true,
	}
}

// applyEnvOverrides layers MESHWIRE_* environment variables on top of
// whatever was loaded, the same environment-override shape the teacher
// uses for SEED_NODES. The overrides are not written back to config.json.
func (cfg *Config) applyEnvOverrides() {
	if v := os.Getenv("MESHWIRE_TCP_ADDR"); v != "" {
		cfg.TCPAddr = v
	}
	if v := os.Getenv("MESHWIRE_UDP_ADDR"); v != "" {
		cfg.UDPAddr = v
	}
	if v := os.Getenv("MESHWIRE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("MESHWIRE_DASHBOARD_ADDR"); v != "" {
		cfg.DashboardAddr = v
	}
	if v := os.Getenv("MESHWIRE_STUN_SERVER"); v != "" {
		cfg.StunServerAddr = v
	}
	if v := os.Getenv("MESHWIRE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MESHWIRE_KEEPALIVE_MILLIS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.KeepAliveMillis = n
		}
	}
	if v := os.Getenv("MESHWIRE_TIMEOUT_MILLIS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TimeoutMillis = n
		}
	}
	if v := os.Getenv("MESHWIRE_CONSOLE_ENABLED"); v != "" {
		cfg.ConsoleEnabled = strings.EqualFold(v, "true") || v == "1"
	}
}

func (cfg *Config) WriteToFile() error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configFilePath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
