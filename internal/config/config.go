package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds the durable store settings. An empty DSN selects
// the in-memory store (dev mode, tests).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// EtcdConfig holds endpoints for ephemeral state (presence, backups, keys)
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// TelemetryConfig tunes the metric write buffer
type TelemetryConfig struct {
	FlushIntervalSec int `yaml:"flush_interval_sec"`
	MaxBufferSize    int `yaml:"max_buffer_size"`
	RetentionDays    int `yaml:"retention_days"`
	// Retention runs every Nth flush cycle
	RetentionEveryN int `yaml:"retention_every_n"`
}

// FlushInterval returns the flush interval as a duration
func (t TelemetryConfig) FlushInterval() time.Duration {
	return time.Duration(t.FlushIntervalSec) * time.Second
}

// DispatchConfig tunes the command dispatcher
type DispatchConfig struct {
	MaxConcurrent    int   `yaml:"max_concurrent"`
	DefaultTimeoutMs int64 `yaml:"default_timeout_ms"`
}

// DeployConfig tunes the deployment orchestrator
type DeployConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// BusConfig tunes the in-process event bus
type BusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// SSHConfig holds defaults for connecting to instance endpoints
type SSHConfig struct {
	User              string `yaml:"user"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	WaitTimeoutSec    int    `yaml:"wait_timeout_sec"`
}

// AWSProviderConfig holds AWS EC2 credentials and defaults
type AWSProviderConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// DOProviderConfig holds DigitalOcean credentials
type DOProviderConfig struct {
	Token string `yaml:"token"`
}

// GCPProviderConfig holds Google Cloud credentials
type GCPProviderConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// YCProviderConfig holds Yandex Cloud credentials
type YCProviderConfig struct {
	IAMToken string `yaml:"iam_token"`
	FolderID string `yaml:"folder_id"`
}

// FlyProviderConfig holds Fly.io Machines API credentials. App is the
// Fly application the machines are created under.
type FlyProviderConfig struct {
	APIToken string `yaml:"api_token"`
	App      string `yaml:"app"`
	BaseURL  string `yaml:"base_url"`
}

// MachineDefaults are the VM parameters used when a deployment config
// does not specify its own
type MachineDefaults struct {
	Zone     string `yaml:"zone"`
	Image    string `yaml:"image"`
	Username string `yaml:"username"`
	Cores    int    `yaml:"cores"`
	Memory   int64  `yaml:"memory"`    // in GB
	DiskSize int64  `yaml:"disk_size"` // in GB
}

// ProvidersConfig holds credentials for every configured provider.
// A nil entry means the provider is not available on this control plane.
type ProvidersConfig struct {
	AWS          *AWSProviderConfig `yaml:"aws"`
	DigitalOcean *DOProviderConfig  `yaml:"digitalocean"`
	GCP          *GCPProviderConfig `yaml:"gcp"`
	YandexCloud  *YCProviderConfig  `yaml:"yandex_cloud"`
	Fly          *FlyProviderConfig `yaml:"fly"`
	Defaults     MachineDefaults    `yaml:"defaults"`
}

// Config contains application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Bus       BusConfig       `yaml:"bus"`
	SSH       SSHConfig       `yaml:"ssh"`
	Providers ProvidersConfig `yaml:"providers"`
}

// Load loads configuration from the YAML file pointed to by CONFIG_PATH
// (default fleetforge.yaml), applies defaults, expands environment
// variables in string fields, and applies environment overrides.
func Load() (*Config, error) {
	config := &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{},
		Telemetry: TelemetryConfig{
			FlushIntervalSec: 10,
			MaxBufferSize:    500,
			RetentionDays:    7,
			RetentionEveryN:  10,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:    16,
			DefaultTimeoutMs: 30_000,
		},
		Deploy: DeployConfig{MaxConcurrent: 8},
		Bus:    BusConfig{SubscriberBuffer: 64},
		SSH: SSHConfig{
			User:              "fleet",
			ConnectTimeoutSec: 30,
			WaitTimeoutSec:    300,
		},
		Providers: ProvidersConfig{
			Defaults: MachineDefaults{
				Zone:     "fra1",
				Username: "fleet",
				Cores:    2,
				Memory:   4,
				DiskSize: 40,
			},
		},
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "fleetforge.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	expandProviders(&config.Providers)
	config.Database.DSN = os.ExpandEnv(config.Database.DSN)

	// Environment overrides for secrets and endpoints
	if dsn := os.Getenv("FLEETFORGE_DB_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		config.Etcd.Endpoints = splitAndTrim(endpoints)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Telemetry.MaxBufferSize <= 0 {
		return fmt.Errorf("telemetry max_buffer_size must be positive, got %d", c.Telemetry.MaxBufferSize)
	}
	if c.Telemetry.FlushIntervalSec <= 0 {
		return fmt.Errorf("telemetry flush_interval_sec must be positive, got %d", c.Telemetry.FlushIntervalSec)
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatch max_concurrent must be positive, got %d", c.Dispatch.MaxConcurrent)
	}
	return nil
}

func expandProviders(p *ProvidersConfig) {
	if p.AWS != nil {
		p.AWS.Region = os.ExpandEnv(p.AWS.Region)
		p.AWS.AccessKey = os.ExpandEnv(p.AWS.AccessKey)
		p.AWS.SecretKey = os.ExpandEnv(p.AWS.SecretKey)
	}
	if p.DigitalOcean != nil {
		p.DigitalOcean.Token = os.ExpandEnv(p.DigitalOcean.Token)
	}
	if p.GCP != nil {
		p.GCP.ProjectID = os.ExpandEnv(p.GCP.ProjectID)
		p.GCP.CredentialsFile = os.ExpandEnv(p.GCP.CredentialsFile)
	}
	if p.YandexCloud != nil {
		p.YandexCloud.IAMToken = os.ExpandEnv(p.YandexCloud.IAMToken)
		p.YandexCloud.FolderID = os.ExpandEnv(p.YandexCloud.FolderID)
	}
	if p.Fly != nil {
		p.Fly.APIToken = os.ExpandEnv(p.Fly.APIToken)
		p.Fly.App = os.ExpandEnv(p.Fly.App)
		p.Fly.BaseURL = os.ExpandEnv(p.Fly.BaseURL)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
