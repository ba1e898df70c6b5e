// Package config provides simple configuration loading
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller and validated
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Substitute environment variables
	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfig loads the runtime configuration through viper, merging the
// optional config file with XMLSINK_-prefixed environment variables on top
// of NewConfig defaults.
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("XMLSINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
		}
	}

	cfg := NewConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadMapping loads one mapping file (.yaml/.yml or .json), substitutes
// environment variables, and validates the result.
func LoadMapping(filePath string) (*Mapping, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}

	content := []byte(substituteEnvVars(string(data)))

	var mapping Mapping
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		if err := gojson.Unmarshal(content, &mapping); err != nil {
			return nil, fmt.Errorf("failed to parse mapping JSON %s: %w", filePath, err)
		}
	default:
		if err := yaml.Unmarshal(content, &mapping); err != nil {
			return nil, fmt.Errorf("failed to parse mapping YAML %s: %w", filePath, err)
		}
	}

	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	return &mapping, nil
}

// LoadMappings loads and validates a set of mapping files.
func LoadMappings(paths []string) ([]*Mapping, error) {
	mappings := make([]*Mapping, 0, len(paths))
	for _, p := range paths {
		m, err := LoadMapping(p)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
