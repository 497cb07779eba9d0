// Package timestamp converts between IPFIX export times, Go times and the
// duration strings accepted in configuration files.
//
// IPFIX carries export time as unsigned 32-bit seconds since the Unix epoch.
// A value of 0 means "not set" throughout this package.
package timestamp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FromExportTime converts an IPFIX export time to time.Time.
// Returns zero time if the export time is 0.
func FromExportTime(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

// ToExportTime converts t to IPFIX export time, clamping to the uint32 range.
// Returns 0 for the zero time.
func ToExportTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	sec := t.Unix()
	switch {
	case sec <= 0:
		return 0
	case sec > int64(^uint32(0)):
		return ^uint32(0)
	default:
		return uint32(sec)
	}
}

// Format renders an export time as RFC3339 for display.
// Returns empty string if the export time is 0.
func Format(sec uint32) string {
	if sec == 0 {
		return ""
	}
	return FromExportTime(sec).Format(time.RFC3339)
}

// Duration is a time.Duration read from configuration. It accepts Go
// duration strings ("10s", "5m") and plain numbers meaning seconds.
type Duration time.Duration

// Std returns the value as time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML implements the gopkg.in/yaml.v3 obsolete unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	parsed, err := ParseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDuration converts a decoded config value into a Duration.
// Supports:
//   - string: Go duration syntax, or a bare number of seconds
//   - int, int64, float64: seconds
func ParseDuration(v any) (Duration, error) {
	switch x := v.(type) {
	case int:
		return Duration(time.Duration(x) * time.Second), nil
	case int64:
		return Duration(time.Duration(x) * time.Second), nil
	case float64:
		return Duration(time.Duration(x * float64(time.Second))), nil
	case string:
		if dur, err := time.ParseDuration(x); err == nil {
			return Duration(dur), nil
		}
		if sec, err := strconv.ParseFloat(x, 64); err == nil {
			return ParseDuration(sec)
		}
		return 0, fmt.Errorf("invalid duration %q", x)
	default:
		return 0, fmt.Errorf("invalid duration %v (%T)", v, v)
	}
}
