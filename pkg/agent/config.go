package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultReconnectDelay = 2000 * time.Millisecond

	EnvURL     = "STAGE_SYNC_URL"
	EnvHost    = "STAGE_SYNC_HOST"
	EnvPort    = "STAGE_SYNC_PORT"
	EnvDevHost = "STAGE_SYNC_DEV_HOST"
)

type Config struct {
	URL            string        `yaml:"url"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DevHost        string        `yaml:"dev_host"`
	LocationHost   string        `yaml:"location_host"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// Seed is an optional JSON snapshot file the local document starts from.
	Seed string `yaml:"seed"`
	// HostPort comes from STAGE_SYNC_PORT and only pairs with Host.
	HostPort int `yaml:"-"`
}

// LoadConfig reads a YAML config file. An empty path yields the defaults.
func LoadConfig(path string, getenv func(string) string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := getenv(EnvURL); v != "" {
		c.URL = v
	}
	if v := getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := getenv(EnvPort); v != "" {
		c.HostPort = parsePort(v, DefaultPort)
	}
	if v := getenv(EnvDevHost); v != "" {
		c.DevHost = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

func (c *Config) validate() error {
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay must not be negative")
	}
	if c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.HostPort > 65535 {
		return fmt.Errorf("%s %d out of range", EnvPort, c.HostPort)
	}
	return nil
}

// Endpoint returns the address sources described by the config.
func (c *Config) Endpoint() Endpoint {
	return Endpoint{
		URL:          c.URL,
		Host:         c.Host,
		HostPort:     c.HostPort,
		Port:         c.Port,
		DevHost:      c.DevHost,
		LocationHost: c.LocationHost,
	}
}
