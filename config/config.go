// Package config loads the daemon's YAML configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Device      DeviceConfig     `yaml:"device"`
	Adapter     string           `yaml:"adapter"`
	Permissions PermissionConfig `yaml:"permissions"`
	StorePath   string           `yaml:"store_path"`
	Listen      string           `yaml:"listen"`
	LogLevel    string           `yaml:"log_level"`
	Timeouts    TimeoutConfig    `yaml:"timeouts"`
	GATT        GattConfig       `yaml:"gatt"`
}

// DeviceConfig identifies the ring to connect to.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// PermissionConfig feeds the permission gate: the host OS API level
// and the capability snapshot granted to this process.
type PermissionConfig struct {
	APILevel int      `yaml:"api_level"`
	Granted  []string `yaml:"granted"`
}

// TimeoutConfig carries the per-boundary timeouts.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Pair    time.Duration `yaml:"pair"`
	Scan    time.Duration `yaml:"scan"`
}

// GattConfig names the ring's control service and the preferred MTU.
type GattConfig struct {
	ServiceUUID   string `yaml:"service_uuid"`
	WriteCharUUID string `yaml:"write_char_uuid"`
	ReadCharUUID  string `yaml:"read_char_uuid"`
	PreferredMTU  int    `yaml:"preferred_mtu"`
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ringd", "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Adapter: "hci0",
		Permissions: PermissionConfig{
			APILevel: 12,
			Granted:  []string{"BLUETOOTH_SCAN", "BLUETOOTH_CONNECT"},
		},
		StorePath: filepath.Join(home, ".local", "share", "ringd", "device.json"),
		Listen:    "127.0.0.1:9123",
		LogLevel:  "info",
		Timeouts: TimeoutConfig{
			Connect: 30 * time.Second,
			Pair:    30 * time.Second,
			Scan:    20 * time.Second,
		},
		GATT: GattConfig{
			ServiceUUID:   "6e40fff0-b5a3-f393-e0a9-e50e24dcca9e",
			WriteCharUUID: "6e40fff6-b5a3-f393-e0a9-e50e24dcca9e",
			ReadCharUUID:  "6e40fff7-b5a3-f393-e0a9-e50e24dcca9e",
			PreferredMTU:  512,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	if cfg.Timeouts.Connect <= 0 {
		cfg.Timeouts.Connect = 30 * time.Second
	}
	if cfg.Timeouts.Pair <= 0 {
		cfg.Timeouts.Pair = 30 * time.Second
	}
	if cfg.Timeouts.Scan <= 0 {
		cfg.Timeouts.Scan = 20 * time.Second
	}
	if cfg.GATT.PreferredMTU <= 0 {
		cfg.GATT.PreferredMTU = 512
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults
// when it does not.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
