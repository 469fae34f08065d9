// Package config holds all continuum gateway configuration, loaded from
// .continuum/config.yaml in the workspace.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all continuum configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Registry  RegistryConfig  `yaml:"registry"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TransportConfig configures per-connection behavior.
type TransportConfig struct {
	PingInterval    string `yaml:"ping_interval"`
	WriteTimeout    string `yaml:"write_timeout"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DispatchConfig configures request timeouts.
type DispatchConfig struct {
	DefaultTimeout string `yaml:"default_timeout"`
	HTTPTimeout    string `yaml:"http_timeout"`
}

// RegistryConfig configures command discovery.
type RegistryConfig struct {
	ManifestDir string `yaml:"manifest_dir"`
	Watch       bool   `yaml:"watch"`
}

// RoomsConfig configures the room/message daemon.
type RoomsConfig struct {
	Persist      bool   `yaml:"persist"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig mirrors the categorized file logging settings. The logging
// package reads these directly from the config file at Initialize; they are
// duplicated here so the effective config can be printed in one piece.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the configuration used when no config file exists.
func Default(workspace string) *Config {
	return &Config{
		Name:    "continuum",
		Version: "0.1.0",
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8460",
		},
		Transport: TransportConfig{
			PingInterval:    "30s",
			WriteTimeout:    "10s",
			MaxMessageBytes: 1 << 20,
			ShutdownTimeout: "5s",
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: "30s",
			HTTPTimeout:    "10s",
		},
		Registry: RegistryConfig{
			ManifestDir: filepath.Join(workspace, ".continuum", "commands"),
			Watch:       true,
		},
		Rooms: RoomsConfig{
			Persist:      false,
			DatabasePath: filepath.Join(workspace, ".continuum", "rooms.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file for the workspace, filling defaults for
// anything unset. A missing file is not an error: defaults apply.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	path := filepath.Join(workspace, ".continuum", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillDefaults(workspace)
	cfg.applyEnv()
	return cfg, nil
}

// fillDefaults restores required values a partial config file left empty.
func (c *Config) fillDefaults(workspace string) {
	def := Default(workspace)
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = def.Server.ListenAddr
	}
	if c.Transport.PingInterval == "" {
		c.Transport.PingInterval = def.Transport.PingInterval
	}
	if c.Transport.WriteTimeout == "" {
		c.Transport.WriteTimeout = def.Transport.WriteTimeout
	}
	if c.Transport.MaxMessageBytes == 0 {
		c.Transport.MaxMessageBytes = def.Transport.MaxMessageBytes
	}
	if c.Transport.ShutdownTimeout == "" {
		c.Transport.ShutdownTimeout = def.Transport.ShutdownTimeout
	}
	if c.Dispatch.DefaultTimeout == "" {
		c.Dispatch.DefaultTimeout = def.Dispatch.DefaultTimeout
	}
	if c.Dispatch.HTTPTimeout == "" {
		c.Dispatch.HTTPTimeout = def.Dispatch.HTTPTimeout
	}
	if c.Registry.ManifestDir == "" {
		c.Registry.ManifestDir = def.Registry.ManifestDir
	}
	if c.Rooms.DatabasePath == "" {
		c.Rooms.DatabasePath = def.Rooms.DatabasePath
	}
}

// applyEnv applies environment overrides. Only the listen address is
// overridable: everything else belongs in the config file.
func (c *Config) applyEnv() {
	if addr := os.Getenv("CONTINUUM_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
}

// Duration parses a duration field, falling back when unset or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
