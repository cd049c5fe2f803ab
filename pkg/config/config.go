package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string           `yaml:"log_level" default:"info"`
	OutputFormat string           `yaml:"output_format" default:"table"` // table, json
	StorePath    string           `yaml:"store_path"`
	Scanner      ScannerConfig    `yaml:"scanner"`
	Connection   ConnectionConfig `yaml:"connection"`
	Ledger       LedgerConfig     `yaml:"ledger"`
}

// ScannerConfig tunes the foreground scanner.
type ScannerConfig struct {
	RestartInterval   time.Duration `yaml:"restart_interval" default:"60s"`
	LostCheckInterval time.Duration `yaml:"lost_check_interval" default:"1s"`
	LostDelay         time.Duration `yaml:"lost_delay" default:"5s"`
	DemoCount         int           `yaml:"demo_count"`
	AllowList         []string      `yaml:"allow_list"`
	BlockList         []string      `yaml:"block_list"`
}

// ConnectionConfig tunes the connection managers. Zero timeouts are disabled.
type ConnectionConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval" default:"1s"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" default:"30s"`
	ServiceTimeout      time.Duration `yaml:"service_timeout" default:"60s"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
}

// LedgerConfig tunes the wallet transport.
type LedgerConfig struct {
	MTU int `yaml:"mtu" default:"156"`
}

// DefaultConfigDir returns ~/.config/btkit.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "btkit")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.Scanner)
	defaults.SetDefaults(&cfg.Connection)
	defaults.SetDefaults(&cfg.Ledger)
	cfg.StorePath = filepath.Join(DefaultConfigDir(), "peripherals.yaml")
	return cfg
}

// Load reads a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.StorePath = expandTilde(cfg.StorePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to DefaultConfig otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}

	if c.Scanner.RestartInterval <= 0 || c.Scanner.LostCheckInterval <= 0 {
		return fmt.Errorf("scanner intervals must be > 0")
	}
	if c.Scanner.DemoCount < 0 {
		return fmt.Errorf("scanner.demo_count must be >= 0")
	}
	if c.Connection.TickInterval <= 0 {
		return fmt.Errorf("connection.tick_interval must be > 0")
	}
	if c.Connection.ConnectTimeout < 0 || c.Connection.ServiceTimeout < 0 {
		return fmt.Errorf("connection timeouts must be >= 0")
	}
	if c.Ledger.MTU < 8 {
		return fmt.Errorf("ledger.mtu must be >= 8, got %d", c.Ledger.MTU)
	}
	return nil
}

// Level returns the parsed log level, falling back to Info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
