// Package config provides configuration management for fleetcmd.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by fleetcmd
const EnvPrefix = "FLEETCMD"

// envKeys are the settings that may come from the environment. Keys without
// a default are bound explicitly, AutomaticEnv alone does not reach them.
var envKeys = []string{
	"server", "hosts", "hostfile", "inventory", "group",
	"poll-interval", "request-timeout", "output", "filter",
	"quiet", "yes", "dry-run", "no-color", "log-level", "log-format",
	"progress", "stats", "sync", "postcheck",
}

// Config represents the application configuration structure
type Config struct {
	Server         string                       `mapstructure:"server"`          // Backend base URL
	Hosts          string                       `mapstructure:"hosts"`           // Comma, space or newline separated IPv4 list
	HostFile       string                       `mapstructure:"hostfile"`        // .txt/.csv file of IPv4s
	Inventory      string                       `mapstructure:"inventory"`       // Ansible-style inventory file
	Group          string                       `mapstructure:"group"`           // Inventory group to target
	PollInterval   time.Duration                `mapstructure:"poll-interval"`   // Delay between job polls
	RequestTimeout time.Duration                `mapstructure:"request-timeout"` // Per-request HTTP timeout (0 = none)
	Output         string                       `mapstructure:"output"`          // Output format (table, plain, json)
	Filter         string                       `mapstructure:"filter"`          // Result filter expression
	Quiet          bool                         `mapstructure:"quiet"`           // Suppress non-error output
	Yes            bool                         `mapstructure:"yes"`             // Skip the confirmation prompt
	DryRun         bool                         `mapstructure:"dry-run"`         // Show the plan without contacting the backend
	NoColor        bool                         `mapstructure:"no-color"`        // Disable coloured output
	LogLevel       string                       `mapstructure:"log-level"`       // Log level (debug, info, error)
	LogFormat      string                       `mapstructure:"log-format"`      // Log format (json, text)
	ShowProgress   bool                         `mapstructure:"progress"`        // Show progress bar
	ShowStats      bool                         `mapstructure:"stats"`           // Show final statistics
	Sync           bool                         `mapstructure:"sync"`            // Ask the backend to run synchronously
	Postcheck      string                       `mapstructure:"postcheck"`       // Process pattern checked after the command
	Shortcuts      map[string]map[string]string `mapstructure:"shortcuts"`       // Extra shortcut catalogue entries
	Vars           map[string]string            `mapstructure:"vars"`            // Shortcut template variables
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources (files, env vars)
	Load() (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v          *viper.Viper
	configFile string
	used       string
}

// NewManager creates a new configuration manager. An empty configFile
// searches the default locations.
func NewManager(configFile string) *ViperManager {
	return &ViperManager{
		v:          viper.New(),
		configFile: configFile,
	}
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("server", "http://127.0.0.1:5000")
	m.v.SetDefault("poll-interval", time.Second)
	m.v.SetDefault("request-timeout", 5*time.Minute)
	m.v.SetDefault("output", "table")
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("yes", false)
	m.v.SetDefault("dry-run", false)
	m.v.SetDefault("no-color", false)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
	m.v.SetDefault("progress", false)
	m.v.SetDefault("stats", false)
	m.v.SetDefault("sync", false)
}

// Load reads configuration from all sources with proper precedence
func (m *ViperManager) Load() (*Config, error) {
	m.SetDefaults()

	if m.configFile != "" {
		m.v.SetConfigFile(m.configFile)
	} else {
		m.v.SetConfigName("fleetcmd")

		// Add config paths in precedence order (current dir highest, system lowest)
		m.v.AddConfigPath(".")
		if homeDir, err := os.UserHomeDir(); err == nil {
			m.v.AddConfigPath(filepath.Join(homeDir, ".config", "fleetcmd"))
		}
		m.v.AddConfigPath("/etc/fleetcmd/")
	}

	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()
	for _, k := range envKeys {
		if err := m.v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", k, err)
		}
	}

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if m.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		m.used = m.v.ConfigFileUsed()
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// ConfigFileUsed returns the file Load read, empty when none was found
func (m *ViperManager) ConfigFileUsed() string {
	return m.used
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	u, err := url.Parse(config.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server '%s': must be an http(s) URL", config.Server)
	}

	if config.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %v", config.PollInterval)
	}
	if config.RequestTimeout < 0 {
		return fmt.Errorf("request-timeout must be non-negative, got %v", config.RequestTimeout)
	}

	validOutputs := map[string]bool{
		"table": true,
		"plain": true,
		"json":  true,
	}
	if !validOutputs[config.Output] {
		return fmt.Errorf("invalid output format '%s': must be one of 'table', 'plain', or 'json'", config.Output)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'debug', 'info' or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be one of 'json' or 'text'", config.LogFormat)
	}

	if config.Group != "" && config.Inventory == "" {
		return fmt.Errorf("group '%s' requires an inventory file", config.Group)
	}

	return nil
}

// GetEnvVarNames returns a list of all supported environment variable names
func GetEnvVarNames() []string {
	names := make([]string, len(envKeys))
	for i, k := range envKeys {
		names[i] = EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
	}
	return names
}
