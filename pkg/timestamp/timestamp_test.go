package timestamp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExportTime(t *testing.T) {
	when := time.Date(2023, 1, 15, 12, 30, 45, 0, time.UTC)

	sec := ToExportTime(when)
	assert.Equal(t, uint32(1673785845), sec)
	assert.Equal(t, when, FromExportTime(sec))
	assert.Equal(t, "2023-01-15T12:30:45Z", Format(sec))

	assert.True(t, FromExportTime(0).IsZero())
	assert.Zero(t, ToExportTime(time.Time{}))
	assert.Empty(t, Format(0))
	assert.Equal(t, ^uint32(0), ToExportTime(time.Unix(1<<40, 0)))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    time.Duration
		wantErr bool
	}{
		{"go syntax", "10m", 10 * time.Minute, false},
		{"numeric string", "5", 5 * time.Second, false},
		{"int", 3, 3 * time.Second, false},
		{"float", 1.5, 1500 * time.Millisecond, false},
		{"garbage", "soon", 0, true},
		{"wrong type", true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Std())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var cfg struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"2s","b":7}`), &cfg))
	assert.Equal(t, 2*time.Second, cfg.A.Std())
	assert.Equal(t, 7*time.Second, cfg.B.Std())

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"2s","b":"7s"}`, string(out))
}

func TestDuration_YAML(t *testing.T) {
	var cfg struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 10m\nb: 5\n"), &cfg))
	assert.Equal(t, 10*time.Minute, cfg.A.Std())
	assert.Equal(t, 5*time.Second, cfg.B.Std())
}
