package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the declarative deployment document submitted by operators.
// Name and provider are required; machine parameters fall back to the
// control plane defaults.
type Config struct {
	Name       string            `yaml:"name"`
	Provider   string            `yaml:"provider"`
	Region     string            `yaml:"region"`
	Image      string            `yaml:"image"`
	Cores      int               `yaml:"cores"`
	Memory     int64             `yaml:"memory"`    // in GB
	DiskSize   int64             `yaml:"disk_size"` // in GB
	Extensions []string          `yaml:"extensions"`
	Env        map[string]string `yaml:"env"`
}

// ParseConfig parses and validates a deployment document
func ParseConfig(configYAML string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(configYAML), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse deployment config: %w", err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("deployment config: name is required")
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("deployment config: provider is required")
	}
	return &cfg, nil
}

// HashConfig returns the hex SHA-256 of the raw document. The hash is
// stored on both the Deployment and the Instance for drift comparison.
func HashConfig(configYAML string) string {
	sum := sha256.Sum256([]byte(configYAML))
	return hex.EncodeToString(sum[:])
}
