// Package daemonconfig loads the daemon's YAML configuration file:
// multicast interface, enabled services and their QoS contracts, trust
// policy, and storage roots.
package daemonconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServiceConfig enables one schema-routed service and the QoS contract its
// sessions negotiate under.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Contract string `yaml:"contract"` // "realtime", "bulk", or "background"
}

// Config holds every daemon setting loaded from the config file.
type Config struct {
	Interface     string          `yaml:"interface"`
	ChunkPort     uint16          `yaml:"chunk_port"`
	SessionPort   uint16          `yaml:"session_port"`
	Services      []ServiceConfig `yaml:"services"`
	AutoTrust     bool            `yaml:"auto_trust"`
	KeysDirectory string          `yaml:"keys_directory"`
	CacheRoot     string          `yaml:"cache_root"`
	CacheMaxBytes int64           `yaml:"cache_max_bytes"`
	OutputDir     string          `yaml:"output_dir"`
	MessageStore  string          `yaml:"message_store_path"`
	APIAddress    string          `yaml:"api_address"`
}

// DefaultConfig returns the configuration a fresh install starts with.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".local", "share", "summit")

	return &Config{
		Interface:     "eth0",
		ChunkPort:     7770,
		SessionPort:   7771,
		Services: []ServiceConfig{
			{Name: "messaging", Contract: "bulk"},
			{Name: "filetransfer", Contract: "bulk"},
		},
		AutoTrust:     false,
		KeysDirectory: filepath.Join(root, "keys"),
		CacheRoot:     filepath.Join(root, "cache"),
		CacheMaxBytes: 0, // unbounded by default
		OutputDir:     filepath.Join(root, "received"),
		MessageStore:  filepath.Join(root, "messages.db"),
		APIAddress:    "127.0.0.1:7780",
	}
}

// LoadConfig reads and parses a YAML config file at path, falling back to
// DefaultConfig's values for any field the file leaves unset. An empty path
// returns the defaults untouched.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("daemonconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("daemonconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
