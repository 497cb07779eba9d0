package forwarding

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/pkg/timestamp"
	"github.com/c360/ipfixfwd/sender"
)

// Mode selects how data messages are distributed across destinations
type Mode string

const (
	ModeAll        Mode = "all"
	ModeRoundRobin Mode = "round robin"
)

// ParseMode accepts "all", "round robin" and "round-robin" in any case
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all":
		return ModeAll, nil
	case "round robin", "round-robin", "roundrobin":
		return ModeRoundRobin, nil
	default:
		return "", errors.WrapFatal(fmt.Errorf("%w: %q", errors.ErrUnknownMode, s),
			"forwarding", "ParseMode", "mode parsing")
	}
}

const (
	DefaultMTU       = 1500
	MinMTU           = 256
	MaxMTU           = 65535
	DefaultCheckRate = 5 * time.Second

	DefaultEventSubject = "ipfixfwd.events"
)

// Destination is one downstream collector
type Destination struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

// String returns "address:port name" as used in log lines
func (d Destination) String() string {
	if d.Name == "" {
		return fmt.Sprintf("%s:%d", d.Address, d.Port)
	}
	return fmt.Sprintf("%s:%d %s", d.Address, d.Port, d.Name)
}

// Config holds forwarder settings
type Config struct {
	Protocol     string             `json:"protocol" yaml:"protocol"`
	Mode         string             `json:"mode" yaml:"mode"`
	MTU          int                `json:"mtu" yaml:"mtu"`
	CheckRate    timestamp.Duration `json:"check_rate" yaml:"check_rate"`
	Destinations []Destination      `json:"destinations" yaml:"destinations"`

	// EventSubject prefixes connection events published to NATS
	EventSubject string `json:"event_subject,omitempty" yaml:"event_subject,omitempty"`
}

// DefaultConfig returns the settings used when a field is left empty
func DefaultConfig() Config {
	return Config{
		Protocol:     "tcp",
		Mode:         string(ModeAll),
		MTU:          DefaultMTU,
		CheckRate:    timestamp.Duration(DefaultCheckRate),
		EventSubject: DefaultEventSubject,
	}
}

// WithDefaults fills zero fields from DefaultConfig
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Protocol == "" {
		c.Protocol = def.Protocol
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.CheckRate == 0 {
		c.CheckRate = def.CheckRate
	}
	if c.EventSubject == "" {
		c.EventSubject = def.EventSubject
	}
	return c
}

// Validate checks the configuration after defaults have been applied
func (c Config) Validate() error {
	if _, err := sender.ParseProtocol(c.Protocol); err != nil {
		return err
	}
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return errors.WrapInvalid(fmt.Errorf("%w: mtu %d outside [%d,%d]", errors.ErrInvalidConfig, c.MTU, MinMTU, MaxMTU),
			"Config", "Validate", "mtu check")
	}
	if c.CheckRate < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative check_rate", errors.ErrInvalidConfig),
			"Config", "Validate", "check_rate check")
	}
	if len(c.Destinations) == 0 {
		return errors.WrapInvalid(errors.ErrNoDestinations, "Config", "Validate", "destination check")
	}
	for i, d := range c.Destinations {
		if d.Address == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: destination %d has no address", errors.ErrInvalidConfig, i),
				"Config", "Validate", "destination check")
		}
		if d.Port < 1 || d.Port > 65535 {
			return errors.WrapInvalid(fmt.Errorf("%w: destination %s port %d", errors.ErrInvalidConfig, d, d.Port),
				"Config", "Validate", "destination check")
		}
	}
	return nil
}
