// Package testutil provides shared helpers for package tests: a map-backed
// configuration provider and a debug logger.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/geekxflood/common/logging"
)

// ErrPathNotFound is returned for configuration paths without a value or
// default.
var ErrPathNotFound = fmt.Errorf("path not found")

// ConfigProvider implements config.Provider over a flat map of dotted paths.
type ConfigProvider struct {
	values map[string]any
}

// NewConfigProvider creates a provider preloaded with values.
func NewConfigProvider(values map[string]any) *ConfigProvider {
	m := make(map[string]any, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &ConfigProvider{values: m}
}

// Set sets a value.
func (m *ConfigProvider) Set(path string, value any) {
	m.values[path] = value
}

func (m *ConfigProvider) GetString(path string, defaultValue ...string) (string, error) {
	if val, exists := m.values[path]; exists {
		if str, ok := val.(string); ok {
			return str, nil
		}
		return fmt.Sprintf("%v", val), nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return "", ErrPathNotFound
}

func (m *ConfigProvider) GetInt(path string, defaultValue ...int) (int, error) {
	if val, exists := m.values[path]; exists {
		if i, ok := val.(int); ok {
			return i, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, ErrPathNotFound
}

func (m *ConfigProvider) GetFloat(path string, defaultValue ...float64) (float64, error) {
	if val, exists := m.values[path]; exists {
		if f, ok := val.(float64); ok {
			return f, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, ErrPathNotFound
}

func (m *ConfigProvider) GetBool(path string, defaultValue ...bool) (bool, error) {
	if val, exists := m.values[path]; exists {
		if b, ok := val.(bool); ok {
			return b, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return false, ErrPathNotFound
}

func (m *ConfigProvider) GetDuration(path string, defaultValue ...time.Duration) (time.Duration, error) {
	if val, exists := m.values[path]; exists {
		if str, ok := val.(string); ok {
			return time.ParseDuration(str)
		}
		if d, ok := val.(time.Duration); ok {
			return d, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, ErrPathNotFound
}

func (m *ConfigProvider) GetStringSlice(path string, defaultValue ...[]string) ([]string, error) {
	if val, exists := m.values[path]; exists {
		if slice, ok := val.([]string); ok {
			return slice, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return nil, ErrPathNotFound
}

func (m *ConfigProvider) GetMap(path string) (map[string]any, error) {
	if val, exists := m.values[path]; exists {
		if mv, ok := val.(map[string]any); ok {
			return mv, nil
		}
	}
	return nil, ErrPathNotFound
}

func (m *ConfigProvider) Exists(path string) bool {
	_, exists := m.values[path]
	return exists
}

func (m *ConfigProvider) Validate() error {
	return nil
}

// Logger creates a debug logger for tests.
func Logger(t testing.TB) logging.Logger {
	t.Helper()

	logger, _, err := logging.NewLogger(logging.Config{
		Level:  "debug",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}
