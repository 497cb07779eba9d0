package collector

import (
	"fmt"
	"net"
	"time"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/pkg/timestamp"
)

const (
	DefaultSessionTimeout = 10 * time.Minute
	DefaultAddress        = ":4739"

	// MaxMessageSize is the largest message the length field can announce
	MaxMessageSize = 65535
)

// Config holds listener settings. Either address may be empty, not both.
type Config struct {
	UDP            string             `json:"udp" yaml:"udp"`
	TCP            string             `json:"tcp" yaml:"tcp"`
	SessionTimeout timestamp.Duration `json:"udp_session_timeout" yaml:"udp_session_timeout"`
}

// DefaultConfig listens on the IANA IPFIX port for both transports
func DefaultConfig() Config {
	return Config{
		UDP:            DefaultAddress,
		TCP:            DefaultAddress,
		SessionTimeout: timestamp.Duration(DefaultSessionTimeout),
	}
}

// WithDefaults fills the session timeout when unset
func (c Config) WithDefaults() Config {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = timestamp.Duration(DefaultSessionTimeout)
	}
	return c
}

// Validate checks listen addresses and the session timeout
func (c Config) Validate() error {
	if c.UDP == "" && c.TCP == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: no udp or tcp listen address", errors.ErrMissingConfig),
			"Config", "Validate", "listener check")
	}
	for _, addr := range []string{c.UDP, c.TCP} {
		if addr == "" {
			continue
		}
		if _, _, err := splitAddress(addr); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Config", "Validate", "address check")
		}
	}
	if c.SessionTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative udp_session_timeout", errors.ErrInvalidConfig),
			"Config", "Validate", "timeout check")
	}
	return nil
}

// splitAddress parses "host:port" where port may be 0
func splitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: %w", addr, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: %w", addr, err)
	}
	return host, port, nil
}
