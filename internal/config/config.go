// Package config loads the bridge's YAML configuration. Secrets (tokens)
// are not part of the file; main reads them from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"appliancebridge/internal/history"
)

// Appliance kinds.
const (
	KindWasherDryer = "washer_dryer"
	KindAircon      = "aircon"
)

// ApplianceConfig identifies one appliance to bridge.
type ApplianceConfig struct {
	SAID string `yaml:"said"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// CloudConfig holds the appliance cloud connection settings.
type CloudConfig struct {
	URL string `yaml:"url"`
}

// MQTTConfig holds the host MQTT settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// StoreConfig holds the persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// APIConfig holds the local HTTP endpoint settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// Config is the root configuration.
type Config struct {
	Cloud      CloudConfig       `yaml:"cloud"`
	Appliances []ApplianceConfig `yaml:"appliances"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Store      StoreConfig       `yaml:"store"`
	History    history.Config    `yaml:"history"`
	API        APIConfig         `yaml:"api"`

	// PollInterval is the cadence of the end-time sensor's explicit
	// refresh. Zero disables polling.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "appliance"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/bridge.db"
	}
	if c.API.Port == 0 {
		c.API.Port = 8099
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Minute
	}
}

func (c *Config) validate() error {
	if c.Cloud.URL == "" {
		return fmt.Errorf("cloud.url is required")
	}
	if len(c.Appliances) == 0 {
		return fmt.Errorf("at least one appliance is required")
	}

	seen := make(map[string]bool, len(c.Appliances))
	for i, a := range c.Appliances {
		if a.SAID == "" {
			return fmt.Errorf("appliances[%d].said is required", i)
		}
		if seen[a.SAID] {
			return fmt.Errorf("duplicate appliance said %q", a.SAID)
		}
		seen[a.SAID] = true

		switch a.Kind {
		case KindWasherDryer, KindAircon:
		default:
			return fmt.Errorf("appliances[%d].kind must be %s or %s, got %q",
				i, KindWasherDryer, KindAircon, a.Kind)
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.History.Enabled {
		if c.History.URL == "" || c.History.Org == "" || c.History.Bucket == "" {
			return fmt.Errorf("history.url, history.org and history.bucket are required when history is enabled")
		}
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}

	return nil
}
