package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/output/forwarding"
	"github.com/c360/ipfixfwd/pkg/timestamp"
	"github.com/c360/ipfixfwd/pkg/tlsutil"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
collector:
  udp: "127.0.0.1:4739"
  tcp: ""
  udp_session_timeout: 2m
forwarder:
  protocol: UDP
  mode: Round-Robin
  mtu: 9000
  check_rate: 10s
  destinations:
    - name: primary
      address: 10.0.0.1
      port: 4739
    - name: backup
      address: 10.0.0.2
      port: 4740
nats:
  enabled: true
  urls: ["nats://nats:4222"]
  drain_timeout: 2s
metrics:
  port: 9100
`

func TestLoader_YAML(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeFile(t, "ipfixfwd.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:4739", cfg.Collector.UDP)
	assert.Empty(t, cfg.Collector.TCP)
	assert.Equal(t, 2*time.Minute, cfg.Collector.SessionTimeout.Std())

	assert.Equal(t, "udp", cfg.Forwarder.Protocol)
	assert.Equal(t, string(forwarding.ModeRoundRobin), cfg.Forwarder.Mode)
	assert.Equal(t, 9000, cfg.Forwarder.MTU)
	assert.Equal(t, 10*time.Second, cfg.Forwarder.CheckRate.Std())
	require.Len(t, cfg.Forwarder.Destinations, 2)
	assert.Equal(t, forwarding.Destination{Name: "backup", Address: "10.0.0.2", Port: 4740}, cfg.Forwarder.Destinations[1])
	assert.Equal(t, forwarding.DefaultEventSubject, cfg.Forwarder.EventSubject)

	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://nats:4222"}, cfg.NATS.URLs)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.NATS.DrainTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait.Std(), "default kept")

	// Partial sections keep their defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, ":9100", cfg.Metrics.Address())
}

func TestLoader_JSONDefaults(t *testing.T) {
	path := writeFile(t, "ipfixfwd.json", `{
		"forwarder": {
			"check_rate": 3,
			"destinations": [{"address": "192.0.2.1", "port": 4739}]
		}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Forwarder.Protocol)
	assert.Equal(t, string(forwarding.ModeAll), cfg.Forwarder.Mode)
	assert.Equal(t, forwarding.DefaultMTU, cfg.Forwarder.MTU)
	assert.Equal(t, 3*time.Second, cfg.Forwarder.CheckRate.Std())
	assert.Equal(t, ":4739", cfg.Collector.UDP)
	assert.Equal(t, ":4739", cfg.Collector.TCP)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", yamlConfig)
	site := writeFile(t, "site.json", `{
		"forwarder": {"mode": "all", "destinations": [{"name": "only", "address": "10.9.9.9", "port": 4739}]},
		"metrics": {"enabled": false}
	}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(site)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, string(forwarding.ModeAll), cfg.Forwarder.Mode)
	assert.Equal(t, "udp", cfg.Forwarder.Protocol)
	require.Len(t, cfg.Forwarder.Destinations, 1)
	assert.Equal(t, "only", cfg.Forwarder.Destinations[0].Name)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("IPFIXFWD_MODE", "round robin")
	t.Setenv("IPFIXFWD_PROTOCOL", "tcp")
	t.Setenv("IPFIXFWD_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("IPFIXFWD_METRICS_PORT", "9200")

	path := writeFile(t, "c.yml", `
forwarder:
  protocol: udp
  destinations: [{address: 10.0.0.1, port: 4739}]
`)
	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(forwarding.ModeRoundRobin), cfg.Forwarder.Mode)
	assert.Equal(t, "tcp", cfg.Forwarder.Protocol)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 9200, cfg.Metrics.Port)
}

func TestLoader_EnvOverrideInvalidPort(t *testing.T) {
	t.Setenv("IPFIXFWD_METRICS_PORT", "nine")
	path := writeFile(t, "c.yml", "forwarder: {destinations: [{address: a, port: 1}]}\n")

	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		fatal   bool
		target  error
	}{
		{
			name:    "unknown mode is fatal",
			file:    "c.yaml",
			content: "forwarder: {mode: broadcast, destinations: [{address: a, port: 1}]}\n",
			fatal:   true,
			target:  errors.ErrUnknownMode,
		},
		{
			name:    "no destinations",
			file:    "c.yaml",
			content: "forwarder: {mode: all}\n",
			target:  errors.ErrNoDestinations,
		},
		{
			name:    "unknown key",
			file:    "c.yaml",
			content: "forwarder: {destinations: [{address: a, port: 1}], retries: 3}\n",
			target:  errors.ErrInvalidConfig,
		},
		{
			name:    "port out of range",
			file:    "c.json",
			content: `{"forwarder": {"destinations": [{"address": "a", "port": 70000}]}}`,
			target:  errors.ErrInvalidConfig,
		},
		{
			name:    "bad protocol",
			file:    "c.json",
			content: `{"forwarder": {"protocol": "sctp", "destinations": [{"address": "a", "port": 1}]}}`,
			target:  errors.ErrInvalidConfig,
		},
		{
			name:    "bad duration",
			file:    "c.yaml",
			content: "forwarder: {check_rate: soon, destinations: [{address: a, port: 1}]}\n",
			target:  errors.ErrInvalidConfig,
		},
		{
			name:    "mtu too small",
			file:    "c.yaml",
			content: "forwarder: {mtu: 100, destinations: [{address: a, port: 1}]}\n",
			target:  errors.ErrInvalidConfig,
		},
		{
			name:    "no listeners",
			file:    "c.yaml",
			content: "collector: {udp: '', tcp: ''}\nforwarder: {destinations: [{address: a, port: 1}]}\n",
			target:  errors.ErrMissingConfig,
		},
		{
			name:    "unknown tls version",
			file:    "c.yaml",
			content: "nats: {tls: {enabled: true, min_version: '1.0'}}\nforwarder: {destinations: [{address: a, port: 1}]}\n",
			target:  errors.ErrInvalidConfig,
		},
		{
			name:    "metrics tls without certificate",
			file:    "c.yaml",
			content: "metrics: {tls: {enabled: true}}\nforwarder: {destinations: [{address: a, port: 1}]}\n",
			target:  errors.ErrMissingConfig,
		},
		{
			name:    "malformed yaml",
			file:    "c.yaml",
			content: "forwarder: [\n",
			target:  errors.ErrInvalidConfig,
		},
		{
			name:    "unsupported extension",
			file:    "c.toml",
			content: "",
			target:  errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.fatal, errors.IsFatal(err))
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_ValidationDisabled(t *testing.T) {
	loader := NewLoader()
	loader.EnableValidation(false)
	cfg, err := loader.LoadFile(writeFile(t, "c.yaml", "forwarder: {mode: all}\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Forwarder.Destinations)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Forwarder.Destinations = []forwarding.Destination{{Address: "10.0.0.1", Port: 4739}}
		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Forwarder.Mode = "ROUND-ROBIN"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, string(forwarding.ModeRoundRobin), cfg.Forwarder.Mode)

	cfg = valid()
	cfg.NATS.Enabled = true
	cfg.NATS.URLs = nil
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg = valid()
	cfg.Metrics.Port = 0
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = valid()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Metrics.Path = "metrics"
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = valid()
	cfg.NATS.Enabled = true
	cfg.NATS.TLS = tlsutil.ClientConfig{Enabled: true, CertFile: "client.pem"}
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = valid()
	cfg.NATS.Enabled = true
	cfg.NATS.DrainTimeout = timestamp.Duration(-time.Second)
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = valid()
	cfg.NATS.TLS = tlsutil.ClientConfig{Enabled: true, MinVersion: "1.0"}
	assert.NoError(t, cfg.Validate(), "nats tls is ignored while nats is disabled")
}

func TestValidateDocument(t *testing.T) {
	assert.NoError(t, ValidateDocument(map[string]any{}))
	assert.NoError(t, ValidateDocument(map[string]any{
		"forwarder": map[string]any{"check_rate": "1m30s", "mtu": 1400},
	}))

	err := ValidateDocument(map[string]any{"metrics": map[string]any{"enabled": "yes"}})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "metrics.enabled")

	assert.Contains(t, string(Schema()), `"destinations"`)
}
