package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// SanitizeConfigForLogging returns a sanitized version of the config for logging
func SanitizeConfigForLogging(cfg *Config) map[string]interface{} {
	sanitized := make(map[string]interface{})

	agent := make(map[string]interface{})
	agent["log_level"] = cfg.Agent.LogLevel
	agent["api_port"] = cfg.Agent.APIPort
	agent["state_dir"] = cfg.Agent.StateDir
	sanitized["agent"] = agent

	catalog := make(map[string]interface{})
	catalog["url"] = cfg.Catalog.URL
	catalog["refresh_interval"] = cfg.Catalog.RefreshInterval.String()
	catalog["fallback_count"] = len(cfg.Catalog.Fallback)
	if cfg.Catalog.Token != "" {
		catalog["token"] = "[REDACTED]"
	}
	if cfg.Catalog.S3.Bucket != "" {
		s3 := make(map[string]interface{})
		s3["bucket"] = cfg.Catalog.S3.Bucket
		s3["region"] = cfg.Catalog.S3.Region
		s3["key"] = cfg.Catalog.S3.Key
		// Explicitly not including AccessKeyID or SecretKey
		s3["credentials"] = "[CONFIGURED]"
		catalog["s3"] = s3
	}
	sanitized["catalog"] = catalog

	tunnel := make(map[string]interface{})
	tunnel["op_timeout"] = cfg.Tunnel.OpTimeout.String()
	tunnel["poll_interval"] = cfg.Tunnel.PollInterval.String()
	sanitized["tunnel"] = tunnel

	return sanitized
}

// ValidateConfig performs basic configuration validation
func ValidateConfig(cfg *Config) error {
	if cfg.Agent.APIPort <= 0 || cfg.Agent.APIPort > 65535 {
		return fmt.Errorf("invalid api port: %d", cfg.Agent.APIPort)
	}

	if cfg.Catalog.URL != "" {
		u, err := url.Parse(cfg.Catalog.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid catalog url: %q", cfg.Catalog.URL)
		}
	}

	if cfg.Catalog.S3.Bucket != "" {
		if cfg.Catalog.S3.Region == "" {
			return fmt.Errorf("S3 bucket configured but region not specified")
		}
		if cfg.Catalog.S3.Key == "" {
			return fmt.Errorf("S3 bucket configured but key not specified")
		}
	}

	if cfg.Catalog.RefreshInterval < 0 {
		return fmt.Errorf("catalog refresh interval cannot be negative")
	}
	if cfg.Catalog.FetchTimeout <= 0 {
		cfg.Catalog.FetchTimeout = 10 * time.Second
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Catalog.Fallback {
		if s.ID == "" {
			return fmt.Errorf("fallback server %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate fallback server id %q", s.ID)
		}
		seen[s.ID] = true
		if net.ParseIP(s.Primary) == nil {
			return fmt.Errorf("fallback server %q has invalid primary address %q", s.ID, s.Primary)
		}
		if s.Secondary != "" && net.ParseIP(s.Secondary) == nil {
			return fmt.Errorf("fallback server %q has invalid secondary address %q", s.ID, s.Secondary)
		}
	}

	if cfg.Tunnel.OpTimeout <= 0 {
		return fmt.Errorf("tunnel op timeout must be positive")
	}
	if cfg.Tunnel.PollInterval < 0 {
		return fmt.Errorf("tunnel poll interval cannot be negative")
	}

	if cfg.Probe.Port == "" {
		cfg.Probe.Port = "53"
	}
	if p, err := strconv.Atoi(cfg.Probe.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid probe port: %q", cfg.Probe.Port)
	}

	return nil
}
