// Package config provides configuration management for the VPN session manager.
// It handles loading, saving, and validating application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-session-manager/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// LogLevel is the minimum log level: "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level"`
	// ShowNotifications enables desktop notifications for session events.
	ShowNotifications bool `yaml:"show_notifications"`

	// Session holds the connection lifecycle tunables.
	Session SessionConfig `yaml:"session"`
	// OpenVPN configures the tunnel transport.
	OpenVPN OpenVPNConfig `yaml:"openvpn"`
	// API configures the local control API served by "serve".
	API APIConfig `yaml:"api"`

	// RegistryPath overrides the provider/profile registry location.
	RegistryPath string `yaml:"registry_path,omitempty"`
	// HistoryPath overrides the session history database location.
	HistoryPath string `yaml:"history_path,omitempty"`
}

// SessionConfig holds timing parameters of the session manager.
type SessionConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	SamplingTimeout  time.Duration `yaml:"sampling_timeout"`
	EstablishTimeout time.Duration `yaml:"establish_timeout"`
	TeardownTimeout  time.Duration `yaml:"teardown_timeout"`
	// HealthFailureThreshold is how many consecutive failed samples mark
	// the session unhealthy.
	HealthFailureThreshold int `yaml:"health_failure_threshold"`
}

// OpenVPNConfig configures how the openvpn binary is launched.
type OpenVPNConfig struct {
	Binary    string `yaml:"binary"`
	UsePkexec bool   `yaml:"use_pkexec"`
	Verbosity int    `yaml:"verbosity"`
}

// APIConfig configures the HTTP/WebSocket control API.
type APIConfig struct {
	Listen         string   `yaml:"listen"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:          "info",
		ShowNotifications: true,
		Session: SessionConfig{
			PollInterval:           common.PollInterval,
			SamplingTimeout:        common.SamplingTimeout,
			EstablishTimeout:       common.EstablishTimeout,
			TeardownTimeout:        common.TeardownTimeout,
			HealthFailureThreshold: common.HealthFailureThreshold,
		},
		OpenVPN: OpenVPNConfig{
			Binary:    "openvpn",
			UsePkexec: true,
			Verbosity: 3,
		},
		API: APIConfig{
			Listen:    common.DefaultAPIListen,
			RateLimit: common.DefaultAPIRateLimit,
			RateBurst: common.DefaultAPIRateBurst,
		},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults there when
// the file does not exist yet.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies that configuration values are usable, falling back to
// defaults for out-of-range tunables.
func (c *Config) validate() error {
	defaults := DefaultConfig()

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaults.LogLevel
	}

	s := &c.Session
	if s.PollInterval <= 0 {
		s.PollInterval = defaults.Session.PollInterval
	}
	if s.SamplingTimeout <= 0 {
		s.SamplingTimeout = defaults.Session.SamplingTimeout
	}
	if s.EstablishTimeout <= 0 {
		s.EstablishTimeout = defaults.Session.EstablishTimeout
	}
	if s.TeardownTimeout <= 0 {
		s.TeardownTimeout = defaults.Session.TeardownTimeout
	}
	if s.HealthFailureThreshold <= 0 {
		s.HealthFailureThreshold = defaults.Session.HealthFailureThreshold
	}

	if c.OpenVPN.Binary == "" {
		c.OpenVPN.Binary = defaults.OpenVPN.Binary
	}
	if c.API.Listen == "" {
		c.API.Listen = defaults.API.Listen
	}
	if c.API.RateLimit <= 0 {
		c.API.RateLimit = defaults.API.RateLimit
	}
	if c.API.RateBurst <= 0 {
		c.API.RateBurst = defaults.API.RateBurst
	}

	if s.SamplingTimeout > s.PollInterval*10 {
		return fmt.Errorf("session.sampling_timeout %v is too large for poll_interval %v",
			s.SamplingTimeout, s.PollInterval)
	}
	return nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo saves the configuration to configPath.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return common.WrapError(common.ErrConfigSave, err.Error())
	}

	return nil
}

// ResolveRegistryPath returns the registry file location.
func (c *Config) ResolveRegistryPath() (string, error) {
	if c.RegistryPath != "" {
		return c.RegistryPath, nil
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.RegistryFileName), nil
}

// ResolveHistoryPath returns the history database location.
func (c *Config) ResolveHistoryPath() (string, error) {
	if c.HistoryPath != "" {
		return c.HistoryPath, nil
	}
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.HistoryFileName), nil
}

// Path returns the default configuration file path.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
