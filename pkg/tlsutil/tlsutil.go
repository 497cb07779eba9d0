// Package tlsutil builds crypto/tls configurations from file based settings.
//
// ClientConfig secures outbound connections such as NATS; ServerConfig
// secures the metrics endpoint. Both return a nil *tls.Config when disabled,
// so callers can pass the result on unconditionally.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/ipfixfwd/errors"
)

// ClientConfig holds TLS settings for outbound connections.
// The system CA bundle is always trusted; CAFiles are additional CAs.
type ClientConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"` // Client certificate for mTLS
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
}

// ServerConfig holds TLS settings for listeners. Setting ClientCAFiles
// requires clients to present a certificate signed by one of them.
type ServerConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	CertFile      string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile       string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion    string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	ClientCAFiles []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
}

// Validate checks that required files are named and the version is known
func (c ClientConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.WrapInvalid(fmt.Errorf("%w: tls cert_file and key_file must be set together", errors.ErrInvalidConfig),
			"ClientConfig", "Validate", "client certificate check")
	}
	_, err := ParseVersion(c.MinVersion)
	return err
}

// Validate checks that the certificate is named and the version is known
func (c ServerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: tls cert_file and key_file are required", errors.ErrMissingConfig),
			"ServerConfig", "Validate", "certificate check")
	}
	_, err := ParseVersion(c.MinVersion)
	return err
}

// LoadClientConfig creates a tls.Config for outbound connections
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	minVersion, _ := ParseVersion(cfg.MinVersion)
	tlsConfig := &tls.Config{MinVersion: minVersion}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendCAs(rootCAs, cfg.CAFiles); err != nil {
		return nil, errors.Wrap(err, "tlsutil", "LoadClientConfig", "load CA files")
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	return tlsConfig, nil
}

// LoadServerConfig creates a tls.Config for listeners
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
	}
	minVersion, _ := ParseVersion(cfg.MinVersion)
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	if len(cfg.ClientCAFiles) > 0 {
		clientCAs := x509.NewCertPool()
		if err := appendCAs(clientCAs, cfg.ClientCAFiles); err != nil {
			return nil, errors.Wrap(err, "tlsutil", "LoadServerConfig", "load client CA files")
		}
		tlsConfig.ClientCAs = clientCAs
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// ParseVersion maps "1.2" and "1.3" to crypto/tls constants. Empty means 1.2.
func ParseVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: tls version %q, want \"1.2\" or \"1.3\"", errors.ErrInvalidConfig, version),
			"tlsutil", "ParseVersion", "version check")
	}
}

func appendCAs(pool *x509.CertPool, files []string) error {
	for _, caFile := range files {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", "appendCAs", "read CA file "+caFile)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", "appendCAs", "parse CA certificate from "+caFile)
		}
	}
	return nil
}
