/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the Muninn configuration
type Config struct {
	Region   Region   `yaml:"region"`
	Pebble   Pebble   `yaml:"pebble"`
	Store    Store    `yaml:"store"`
	Port     int      `yaml:"port"`
	Bind     string   `yaml:"bind"`
	Security Security `yaml:"security"`
	Logging  Logging  `yaml:"logging"`
}

// Region describes the persistent memory area and how it is carved
type Region struct {
	Path        string `yaml:"path"`         // backing file for the mapped region
	Size        int    `yaml:"size"`         // total region size in bytes
	RecordSize  int    `yaml:"record_size"`  // one crash record zone
	ConsoleSize int    `yaml:"console_size"` // console zone, 0 disables
	TraceSize   int    `yaml:"trace_size"`   // total trace area, 0 disables
	MsgSize     int    `yaml:"msg_size"`     // user message zone, 0 disables
	TraceZones  int    `yaml:"trace_zones"`  // trace zones, one per CPU
	ECCSize     int    `yaml:"ecc_size"`     // parity bytes per block, 0 disables ECC
}

// Pebble configures the database backend used when backend is "pebble"
type Pebble struct {
	Dir string `yaml:"dir"`
}

// Store configures the record dispatcher
type Store struct {
	Backend        string `yaml:"backend"`         // "ramstore" or "pebble"
	Compression    string `yaml:"compression"`     // "zstd", "deflate", "snappy" or "none"
	KmsgBytes      int    `yaml:"kmsg_bytes"`      // capture budget per crash event
	MaxReason      string `yaml:"max_reason"`      // mildest reason still captured
	UpdateInterval string `yaml:"update_interval"` // e.g. "10s", empty disables
	CaptureWindow  int    `yaml:"capture_window"`  // retained output bytes for capture
}

// Security contains security-related configuration
type Security struct {
	ClientAPIKey string `yaml:"client_api_key"`
}

// Logging contains logging configuration
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Region: Region{
			Path:        "./muninn.region",
			Size:        1 << 20,
			RecordSize:  64 * 1024,
			ConsoleSize: 64 * 1024,
			TraceSize:   0,
			MsgSize:     64 * 1024,
			TraceZones:  1,
			ECCSize:     16,
		},
		Pebble: Pebble{
			Dir: "./muninn.db",
		},
		Store: Store{
			Backend:        "ramstore",
			Compression:    "zstd",
			KmsgBytes:      10240,
			MaxReason:      "oops",
			UpdateInterval: "60s",
			CaptureWindow:  256 * 1024,
		},
		Port: 8080,
		Bind: "127.0.0.1",
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified path
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the store cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "ramstore", "pebble":
	default:
		return fmt.Errorf("unknown backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "ramstore" {
		if c.Region.Size < 4096 {
			return fmt.Errorf("region size %d below the 4096 byte minimum", c.Region.Size)
		}
		sized := c.Region.ConsoleSize + c.Region.TraceSize + c.Region.MsgSize
		if sized > c.Region.Size {
			return fmt.Errorf("sized areas (%d bytes) exceed the region (%d bytes)",
				sized, c.Region.Size)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// SaveConfig saves the configuration to the specified path with secure permissions
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./muninn.yaml"
	}

	configDir := filepath.Join(homeDir, ".config", "muninn")
	return filepath.Join(configDir, "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
