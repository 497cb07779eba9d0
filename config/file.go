package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/ipfixfwd/errors"
)

// Limits applied to configuration input
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

// format is the encoding of a configuration file
type format int

const (
	formatJSON format = iota
	formatYAML
)

// formatOf selects the decoder from the file extension
func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("%w: unsupported file type %q, want .json, .yaml or .yml",
			errors.ErrInvalidConfig, filepath.Ext(path))
	}
}

// readConfigFile reads a regular file of bounded size. Relative paths must
// stay below the working directory.
func readConfigFile(path string) (format, []byte, error) {
	if path == "" {
		return 0, nil, fmt.Errorf("%w: empty config path", errors.ErrMissingConfig)
	}
	if len(path) > maxPathLen {
		return 0, nil, fmt.Errorf("%w: path longer than %d", errors.ErrInvalidConfig, maxPathLen)
	}
	if !filepath.IsAbs(path) && !filepath.IsLocal(path) {
		return 0, nil, fmt.Errorf("%w: %s resolves outside the working directory", errors.ErrInvalidConfig, path)
	}

	f, err := formatOf(path)
	if err != nil {
		return 0, nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, nil, err
	}
	if !info.Mode().IsRegular() {
		return 0, nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxConfigSize {
		return 0, nil, fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	return f, data, nil
}

// checkEnvValue rejects oversized values and embedded NUL bytes
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%w: %s longer than %d", errors.ErrInvalidConfig, key, maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%w: NUL byte in %s", errors.ErrInvalidConfig, key)
	}
	return nil
}

// checkJSONDepth bounds nesting before the document is decoded
func checkJSONDepth(data []byte) error {
	depth := 0
	inString, escaped := false, false

	for _, b := range data {
		switch {
		case escaped:
			escaped = false
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{' || b == '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("%w: JSON nested deeper than %d", errors.ErrInvalidConfig, maxJSONDepth)
			}
		case b == '}' || b == ']':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unbalanced JSON brackets", errors.ErrInvalidConfig)
			}
		}
	}
	return nil
}
