// Package config holds the blelink configuration: timeouts, backend choice,
// picker labels and logging.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/central"
	"github.com/srg/blelink/internal/scanner"
	"github.com/srg/blelink/internal/session"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the Backend field.
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Labels are the picker display strings.
type Labels struct {
	Scanning         string `yaml:"scanning" default:"Scanning..."`
	Cancel           string `yaml:"cancel" default:"Cancel"`
	AvailableDevices string `yaml:"available_devices" default:"Available devices"`
	NoDeviceFound    string `yaml:"no_device_found" default:"No device found"`
}

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `yaml:"-"`
	// Level is the textual form of LogLevel used in files.
	Level   string `yaml:"log_level" default:"info"`
	Backend string `yaml:"backend" default:"goble"`

	ScanTimeout       time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
	OperationTimeout  time.Duration `yaml:"operation_timeout" default:"10s"`

	// NotificationBuffer is the per-session notification queue depth.
	NotificationBuffer uint32 `yaml:"notification_buffer" default:"256"`
	// ScanBuffer is the result queue depth of channel-based scans.
	ScanBuffer int `yaml:"scan_buffer" default:"64"`

	Labels Labels `yaml:"labels"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values and resolves Level into LogLevel.
func (c *Config) Validate() error {
	if c.Level != "" {
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}
	switch strings.ToLower(c.Backend) {
	case BackendGoBLE, BackendTinyGo:
		c.Backend = strings.ToLower(c.Backend)
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":       c.ScanTimeout,
		"connect_timeout":    c.ConnectTimeout,
		"disconnect_timeout": c.DisconnectTimeout,
		"operation_timeout":  c.OperationTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Central returns the manager configuration derived from c.
func (c *Config) Central() central.Config {
	return central.Config{
		Labels: scanner.Labels(c.Labels),
		Session: session.Config{
			TeardownTimeout:    c.DisconnectTimeout,
			NotificationBuffer: c.NotificationBuffer,
		},
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
