package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultMOTD is served when the config file does not override it.
const DefaultMOTD = "We've been trying to reach you concerning your vehicle's extended warranty."

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Auth    AuthSection    `toml:"auth"`
	Session SessionSection `toml:"session"`
	Limits  LimitsSection  `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
}

type AuthSection struct {
	FailureThreshold     int `toml:"failure_threshold"`
	LockoutTicks         int `toml:"lockout_ticks"`
	DecayIntervalSeconds int `toml:"decay_interval_seconds"`
}

type SessionSection struct {
	DialBackAttempts int    `toml:"dial_back_attempts"`
	DialBackDelayMs  int    `toml:"dial_back_delay_ms"`
	MOTD             string `toml:"motd"`
}

type LimitsSection struct {
	MaxBodyLength int `toml:"max_body_length"`
}

// ServerConfig is the resolved runtime configuration
type ServerConfig struct {
	TCPPort          int
	HTTPPort         int
	FailureThreshold int
	LockoutTicks     int
	DecayInterval    time.Duration
	DialBackAttempts int
	DialBackDelay    time.Duration
	MOTD             string
	MaxBodyLength    int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          42424,
		HTTPPort:         8474,
		FailureThreshold: 3,
		LockoutTicks:     4, // 4 ticks x 30s = 120s lockout
		DecayInterval:    30 * time.Second,
		DialBackAttempts: 25,
		DialBackDelay:    200 * time.Millisecond,
		MOTD:             DefaultMOTD,
		MaxBodyLength:    1024 * 1024,
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      42424,
			HTTPPort:     8474,
			DatabasePath: "~/.parley/parley.db",
		},
		Auth: AuthSection{
			FailureThreshold:     3,
			LockoutTicks:         4,
			DecayIntervalSeconds: 30,
		},
		Session: SessionSection{
			DialBackAttempts: 25,
			DialBackDelayMs:  200,
			MOTD:             DefaultMOTD,
		},
		Limits: LimitsSection{
			MaxBodyLength: 1024 * 1024,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(expanded, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Parley Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}

	// http_port = -1 disables the HTTP listener
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if cfg.HTTPPort < 0 {
		cfg.HTTPPort = 0
	}

	if c.Auth.FailureThreshold != 0 {
		cfg.FailureThreshold = c.Auth.FailureThreshold
	}

	if c.Auth.LockoutTicks != 0 {
		cfg.LockoutTicks = c.Auth.LockoutTicks
	}

	if c.Auth.DecayIntervalSeconds != 0 {
		cfg.DecayInterval = time.Duration(c.Auth.DecayIntervalSeconds) * time.Second
	}

	if c.Session.DialBackAttempts != 0 {
		cfg.DialBackAttempts = c.Session.DialBackAttempts
	}

	if c.Session.DialBackDelayMs != 0 {
		cfg.DialBackDelay = time.Duration(c.Session.DialBackDelayMs) * time.Millisecond
	}

	if strings.TrimSpace(c.Session.MOTD) != "" {
		cfg.MOTD = c.Session.MOTD
	}

	if c.Limits.MaxBodyLength != 0 {
		cfg.MaxBodyLength = c.Limits.MaxBodyLength
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if path == "" {
		path = "~/.parley/parley.db"
	}
	return expandHome(path)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
