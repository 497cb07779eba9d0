package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/pkg/timestamp"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "udp only", config: Config{UDP: ":4739"}},
		{name: "tcp only", config: Config{TCP: "127.0.0.1:0"}},
		{name: "host name", config: Config{UDP: "localhost:4739"}},
		{name: "no listener", config: Config{}, wantErr: errors.ErrMissingConfig},
		{name: "missing port", config: Config{UDP: "127.0.0.1"}, wantErr: errors.ErrInvalidConfig},
		{name: "bad port", config: Config{TCP: ":nope"}, wantErr: errors.ErrInvalidConfig},
		{
			name:    "negative timeout",
			config:  Config{UDP: ":4739", SessionTimeout: timestamp.Duration(-time.Second)},
			wantErr: errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{UDP: ":4739"}.WithDefaults()
	assert.Equal(t, DefaultSessionTimeout, cfg.SessionTimeout.Std())

	cfg = Config{UDP: ":4739", SessionTimeout: timestamp.Duration(time.Minute)}.WithDefaults()
	assert.Equal(t, time.Minute, cfg.SessionTimeout.Std())
}
