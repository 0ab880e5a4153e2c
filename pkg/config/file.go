package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileDoc is the YAML file shape: everything lives under a registry: key
// so one file can carry config for multiple services.
type fileDoc struct {
	Registry *Config `yaml:"registry"`
}

// loadFile overlays the YAML file at path onto c. Fields absent from the
// file keep their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	doc := fileDoc{Registry: c}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// GitHubAppPrivateKey reads the configured private key file. Empty when no
// file is configured.
func (d DispatchConfig) GitHubAppPrivateKey() ([]byte, error) {
	if d.GitHubAppPrivateKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(d.GitHubAppPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: read private key: %w", err)
	}
	return data, nil
}
