// Package config loads the gateway configuration from a YAML file with
// sensible defaults for every field.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mcpbridge/pkg/logging"
)

const (
	userConfigDir  = ".config/mcpbridge"
	configFileName = "config.yaml"
)

// Transport names accepted for the gateway's own listening transport.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
	TransportStdio          = "stdio"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the gateway configuration.
type Config struct {
	// Host and Port bind the HTTP transports. Ignored for stdio.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	// Transport selects how agents connect: sse, streamable-http or stdio.
	Transport string `yaml:"transport,omitempty"`
	// DatabasePath locates the sqlite database file.
	DatabasePath string `yaml:"databasePath,omitempty"`
	// ForwardTimeout bounds every dispatch to a capability server.
	ForwardTimeout Duration `yaml:"forwardTimeout,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
}

// DefaultConfigPath returns the per-user config directory.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Host:           "localhost",
		Port:           8090,
		Transport:      TransportStreamableHTTP,
		DatabasePath:   "mcpbridge.db",
		ForwardTimeout: Duration(30 * time.Second),
		LogLevel:       "info",
	}
}

// Load reads config.yaml from the given directory on top of the defaults. A
// missing file is not an error; a malformed one is.
func Load(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := Default()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}

// Validate checks field values that a typo would most likely break.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportSSE, TransportStreamableHTTP, TransportStdio:
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ForwardTimeout < 0 {
		return fmt.Errorf("forwardTimeout must not be negative")
	}
	return nil
}
