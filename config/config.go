// Package config loads the node configuration from YAML, falling back
// to defaults for anything unset.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config is the full node configuration.
type Config struct {
	// ListenAddress is the host:port the chat transport binds.
	ListenAddress string `yaml:"listen_address"`
	// DataDir roots all persistent state: keys, trust store, messages.
	DataDir string `yaml:"data_dir"`
	// PeerID is this node's stable identifier as seen by peers.
	PeerID string `yaml:"peer_id"`
	// MaxMessageSize caps plaintext message bodies, in bytes.
	MaxMessageSize int `yaml:"max_message_size"`
	// StoreHistory disables local plaintext history when false.
	StoreHistory bool `yaml:"store_history"`
	// NotifyOnMessage controls the message-received callback.
	NotifyOnMessage bool `yaml:"notify_on_message"`
	// DeliveryIntervalSeconds is the delivery queue tick.
	DeliveryIntervalSeconds int `yaml:"delivery_interval_seconds"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`
	// Peers maps known peer IDs to their chat endpoint addresses.
	Peers map[string]string `yaml:"peers"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddress:           "0.0.0.0:7784",
		DataDir:                 "archivist-data",
		MaxMessageSize:          64 * 1024,
		StoreHistory:            true,
		NotifyOnMessage:         true,
		DeliveryIntervalSeconds: 5,
		LogLevel:                "info",
		Peers:                   map[string]string{},
	}
}

// Load reads the configuration file at path, layering it over the
// defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("No config file, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config: max_message_size must be positive")
	}
	if c.DeliveryIntervalSeconds <= 0 {
		return fmt.Errorf("config: delivery_interval_seconds must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return nil
}

// ApplyLogLevel sets the global logrus level from the configuration.
func (c *Config) ApplyLogLevel() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
