package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultHTTPPort       = 8081
	DefaultEntriesFile    = "entries.yaml"
	DefaultService        = "_vimar._tcp"
	DefaultDomain         = "local."
	DefaultConnectTimeout = 5 * time.Second
	DefaultDevicePort     = 443
)

// Config represents the config.yaml structure
type Config struct {
	HTTPPort    int             `yaml:"http_port"`
	EntriesFile string          `yaml:"entries_file"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
	Vimar       VimarConfig     `yaml:"vimar"`
}

// DiscoveryConfig configures the mDNS browser
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	Domain  string `yaml:"domain"`
}

// VimarConfig configures the setup flow
type VimarConfig struct {
	// ValidateConnection checks that the device is reachable before an entry
	// is created. Off by default.
	ValidateConnection bool          `yaml:"validate_connection"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	DevicePort         int           `yaml:"device_port"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		HTTPPort:    DefaultHTTPPort,
		EntriesFile: DefaultEntriesFile,
		Discovery: DiscoveryConfig{
			Enabled: true,
			Service: DefaultService,
			Domain:  DefaultDomain,
		},
		Vimar: VimarConfig{
			ConnectTimeout: DefaultConnectTimeout,
			DevicePort:     DefaultDevicePort,
		},
	}
}

// Loader reads the service configuration file
type Loader struct {
	path   string
	logger *zap.Logger
	getenv func(string) string
}

// NewLoader creates a new configuration loader for path
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
		getenv: os.Getenv,
	}
}

// Load reads the configuration file, falling back to defaults when it does not
// exist, and applies environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.logger.Info("Config file not found, using defaults", zap.String("path", l.path))
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		l.logger.Info("Config loaded successfully", zap.String("path", l.path))
	}

	if err := l.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from HTTP_PORT, ENTRIES_FILE, DISCOVERY_ENABLED and
// VALIDATE_CONNECTION.
func (l *Loader) ApplyEnv(cfg *Config) error {
	if v := l.getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", v, err)
		}
		cfg.HTTPPort = port
	}
	if v := l.getenv("ENTRIES_FILE"); v != "" {
		cfg.EntriesFile = v
	}
	if v := l.getenv("DISCOVERY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DISCOVERY_ENABLED %q: %w", v, err)
		}
		cfg.Discovery.Enabled = enabled
	}
	if v := l.getenv("VALIDATE_CONNECTION"); v != "" {
		validate, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid VALIDATE_CONNECTION %q: %w", v, err)
		}
		cfg.Vimar.ValidateConnection = validate
	}
	return nil
}

// Validate checks the configuration values
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.Vimar.ConnectTimeout < 0 {
		return fmt.Errorf("vimar.connect_timeout cannot be negative")
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = DefaultService
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = DefaultDomain
	}
	return nil
}
