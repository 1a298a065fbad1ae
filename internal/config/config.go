// Package config defines configuration structures and loading logic for the
// DNS bypass agent. Configuration is a YAML file with sensible defaults; every
// field is optional.
package config

import (
	"os"
	"path/filepath"
	"time"

	"dnsbypass/internal/utils"
)

type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Catalog CatalogConfig `yaml:"catalog"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Probe   ProbeConfig   `yaml:"probe"`
}

type AgentConfig struct {
	LogLevel string `yaml:"logLevel"`
	APIPort  int    `yaml:"apiPort"`
	// StateDir holds preferences, the API token, audit logs and driver backups
	StateDir string `yaml:"stateDir"`
	// RedactAddresses also scrubs IP addresses from log output
	RedactAddresses bool `yaml:"redactAddresses"`
}

type CatalogConfig struct {
	// URL is the backend base URL; the catalog lives at <URL>/api/dns-servers
	URL             string         `yaml:"url"`
	Token           string         `yaml:"token,omitempty"`
	S3              S3Config       `yaml:"s3"`
	RefreshInterval time.Duration  `yaml:"refreshInterval"`
	FetchTimeout    time.Duration  `yaml:"fetchTimeout"`
	Fallback        []ServerConfig `yaml:"fallback,omitempty"`
}

type S3Config struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Key         string `yaml:"key"`
	AccessKeyID string `yaml:"accessKeyId,omitempty"`
	SecretKey   string `yaml:"secretKey,omitempty"`
}

// ServerConfig describes a fallback catalog entry
type ServerConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Primary     string `yaml:"primary"`
	Secondary   string `yaml:"secondary,omitempty"`
	Description string `yaml:"description,omitempty"`
	IsDefault   bool   `yaml:"isDefault,omitempty"`
}

type TunnelConfig struct {
	// OpTimeout bounds every start/stop/status call to the platform driver
	OpTimeout time.Duration `yaml:"opTimeout"`
	// PollInterval is how often ground truth is re-checked while enabled; 0 disables
	PollInterval time.Duration `yaml:"pollInterval"`
}

type ProbeConfig struct {
	Domain  string        `yaml:"domain"`
	Port    string        `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultStateDir returns ~/.dnsbypass
func DefaultStateDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".dnsbypass"
	}
	return filepath.Join(homeDir, ".dnsbypass")
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel: "info",
			APIPort:  5380,
			StateDir: DefaultStateDir(),
		},
		Catalog: CatalogConfig{
			RefreshInterval: 30 * time.Minute,
			FetchTimeout:    10 * time.Second,
		},
		Tunnel: TunnelConfig{
			OpTimeout:    30 * time.Second,
			PollInterval: 30 * time.Second,
		},
		Probe: ProbeConfig{
			Domain:  "example.com",
			Port:    "53",
			Timeout: 2 * time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	// If no path specified, try default locations
	if path == "" {
		for _, p := range []string{"./config.yaml", "/etc/dnsbypass/config.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := utils.ReadFileLimited(path, utils.MaxConfigFileSize)
		if err != nil {
			return nil, err
		}

		if err := utils.SafeYAMLUnmarshal(data, cfg, utils.MaxConfigFileSize); err != nil {
			return nil, err
		}
	}

	if cfg.Agent.StateDir == "" {
		cfg.Agent.StateDir = DefaultStateDir()
	}

	return cfg, nil
}

// PrefsPath is where the preference store lives
func (c *Config) PrefsPath() string {
	return filepath.Join(c.Agent.StateDir, "prefs.json")
}

// TokenPath is where the local API token lives
func (c *Config) TokenPath() string {
	return filepath.Join(c.Agent.StateDir, "api_token")
}

// AuditDir is where audit logs are written
func (c *Config) AuditDir() string {
	return filepath.Join(c.Agent.StateDir, "audit")
}
