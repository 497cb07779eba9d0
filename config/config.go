package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/input/collector"
	"github.com/c360/ipfixfwd/output/forwarding"
	"github.com/c360/ipfixfwd/pkg/timestamp"
	"github.com/c360/ipfixfwd/pkg/tlsutil"
)

// Config represents the complete application configuration
type Config struct {
	Collector collector.Config  `json:"collector" yaml:"collector"`
	Forwarder forwarding.Config `json:"forwarder" yaml:"forwarder"`
	NATS      NATSConfig        `json:"nats" yaml:"nats"`
	Metrics   MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// NATSConfig defines the optional NATS connection used for connection events
type NATSConfig struct {
	Enabled       bool                 `json:"enabled" yaml:"enabled"`
	URLs          []string             `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name          string               `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int                  `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait timestamp.Duration   `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	DrainTimeout  timestamp.Duration   `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
	Username      string               `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string               `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string               `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// MetricsConfig controls the Prometheus and health endpoint
type MetricsConfig struct {
	Enabled bool                 `json:"enabled" yaml:"enabled"`
	Port    int                  `json:"port" yaml:"port"`
	Path    string               `json:"path" yaml:"path"`
	TLS     tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// Address returns the listen address of the metrics server
func (m MetricsConfig) Address() string {
	return fmt.Sprintf(":%d", m.Port)
}

// Default returns the configuration used before any file is applied
func Default() *Config {
	return &Config{
		Collector: collector.DefaultConfig(),
		Forwarder: forwarding.DefaultConfig(),
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: timestamp.Duration(2 * time.Second),
			DrainTimeout:  timestamp.Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration semantically. Mode and protocol values
// are normalized to lower case.
func (c *Config) Validate() error {
	c.Forwarder = c.Forwarder.WithDefaults()
	c.Forwarder.Protocol = strings.ToLower(strings.TrimSpace(c.Forwarder.Protocol))
	if mode, err := forwarding.ParseMode(c.Forwarder.Mode); err == nil {
		c.Forwarder.Mode = string(mode)
	}

	if err := c.Forwarder.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "forwarder")
	}
	if err := c.Collector.WithDefaults().Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "collector")
	}

	if c.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: nats.urls is required when nats is enabled", errors.ErrMissingConfig),
				"Config", "Validate", "nats")
		}
		for _, u := range c.NATS.URLs {
			if strings.TrimSpace(u) == "" {
				return errors.WrapInvalid(fmt.Errorf("%w: empty nats url", errors.ErrInvalidConfig),
					"Config", "Validate", "nats")
			}
		}
		if c.NATS.DrainTimeout < 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: nats.drain_timeout %s", errors.ErrInvalidConfig, c.NATS.DrainTimeout.Std()),
				"Config", "Validate", "nats")
		}
		if err := c.NATS.TLS.Validate(); err != nil {
			return errors.Wrap(err, "Config", "Validate", "nats tls")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return errors.WrapInvalid(fmt.Errorf("%w: metrics.port %d", errors.ErrInvalidConfig, c.Metrics.Port),
				"Config", "Validate", "metrics")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.WrapInvalid(fmt.Errorf("%w: metrics.path %q must start with /", errors.ErrInvalidConfig, c.Metrics.Path),
				"Config", "Validate", "metrics")
		}
		if err := c.Metrics.TLS.Validate(); err != nil {
			return errors.Wrap(err, "Config", "Validate", "metrics tls")
		}
	}

	return nil
}
