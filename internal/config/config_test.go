package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
		assert.Nil(t, cfg)

		cfg = Default()
		assert.Equal(t, 30*time.Second, cfg.Tunnel.OpTimeout)
		assert.Equal(t, "53", cfg.Probe.Port)
		require.NoError(t, ValidateConfig(cfg))
	})

	t.Run("FromFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		doc := `
agent:
  logLevel: debug
  apiPort: 6000
  stateDir: ` + dir + `
catalog:
  url: https://api.example.com
  refreshInterval: 5m
  fallback:
    - id: quad9
      name: Quad9
      primary: 9.9.9.9
      secondary: 149.112.112.112
      isDefault: true
tunnel:
  opTimeout: 10s
`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.NoError(t, ValidateConfig(cfg))

		assert.Equal(t, "debug", cfg.Agent.LogLevel)
		assert.Equal(t, 6000, cfg.Agent.APIPort)
		assert.Equal(t, 5*time.Minute, cfg.Catalog.RefreshInterval)
		assert.Equal(t, 10*time.Second, cfg.Tunnel.OpTimeout)
		// untouched sections keep defaults
		assert.Equal(t, 30*time.Second, cfg.Tunnel.PollInterval)
		require.Len(t, cfg.Catalog.Fallback, 1)
		assert.True(t, cfg.Catalog.Fallback[0].IsDefault)
		assert.Equal(t, filepath.Join(dir, "prefs.json"), cfg.PrefsPath())
	})
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"BadPort", func(c *Config) { c.Agent.APIPort = 0 }},
		{"BadURL", func(c *Config) { c.Catalog.URL = "ftp://x" }},
		{"S3WithoutRegion", func(c *Config) { c.Catalog.S3.Bucket = "b"; c.Catalog.S3.Key = "k" }},
		{"S3WithoutKey", func(c *Config) { c.Catalog.S3.Bucket = "b"; c.Catalog.S3.Region = "us-east-1" }},
		{"FallbackWithoutID", func(c *Config) { c.Catalog.Fallback = []ServerConfig{{Primary: "1.1.1.1"}} }},
		{"FallbackBadIP", func(c *Config) { c.Catalog.Fallback = []ServerConfig{{ID: "x", Primary: "nope"}} }},
		{"FallbackDuplicate", func(c *Config) {
			c.Catalog.Fallback = []ServerConfig{{ID: "x", Primary: "1.1.1.1"}, {ID: "x", Primary: "8.8.8.8"}}
		}},
		{"ZeroOpTimeout", func(c *Config) { c.Tunnel.OpTimeout = 0 }},
		{"BadProbePort", func(c *Config) { c.Probe.Port = "dns" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}
}

func TestSanitizeConfigForLogging(t *testing.T) {
	cfg := Default()
	cfg.Catalog.Token = "secret-token"
	cfg.Catalog.S3 = S3Config{Bucket: "b", Region: "r", Key: "k", AccessKeyID: "AKIAEXAMPLE", SecretKey: "s"}

	out := SanitizeConfigForLogging(cfg)
	catalog := out["catalog"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", catalog["token"])
	s3 := catalog["s3"].(map[string]interface{})
	assert.Equal(t, "[CONFIGURED]", s3["credentials"])
	assert.NotContains(t, s3, "accessKeyId")
}

func TestGetAWSCredentials(t *testing.T) {
	t.Setenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI", "")
	t.Setenv("AWS_CONTAINER_CREDENTIALS_FULL_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	creds, err := GetAWSCredentials(&S3Config{})
	require.NoError(t, err)
	assert.Equal(t, CredentialSourceNone, creds.Source)

	creds, err = GetAWSCredentials(&S3Config{AccessKeyID: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, CredentialSourceConfig, creds.Source)

	t.Setenv("AWS_ACCESS_KEY_ID", "env-a")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-b")
	creds, err = GetAWSCredentials(&S3Config{AccessKeyID: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, CredentialSourceEnvironment, creds.Source)
	assert.Equal(t, "env-a", creds.AccessKeyID)
}

func TestCatalogToken(t *testing.T) {
	cfg := Default()
	cfg.Catalog.Token = "from-file"
	t.Setenv("DNSBYPASS_CATALOG_TOKEN", "")
	assert.Equal(t, "from-file", CatalogToken(cfg))

	t.Setenv("DNSBYPASS_CATALOG_TOKEN", "from-env")
	assert.Equal(t, "from-env", CatalogToken(cfg))
}
