package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// CredentialSource represents where credentials come from
type CredentialSource string

const (
	CredentialSourceNone        CredentialSource = "none"
	CredentialSourceEnvironment CredentialSource = "environment"
	CredentialSourceConfig      CredentialSource = "config"
	CredentialSourceIAMRole     CredentialSource = "iam-role"
)

// AWSCredentials holds AWS credential information
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Source          CredentialSource
}

// GetAWSCredentials retrieves AWS credentials from the most secure available source
func GetAWSCredentials(s3Config *S3Config) (*AWSCredentials, error) {
	// Priority order (most secure to least secure):
	// 1. IAM Role (no credentials needed)
	// 2. Environment variables
	// 3. Config file (deprecated, will warn)

	if os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI") != "" ||
		os.Getenv("AWS_CONTAINER_CREDENTIALS_FULL_URI") != "" ||
		os.Getenv("AWS_EXECUTION_ENV") != "" {
		return &AWSCredentials{
			Source: CredentialSourceIAMRole,
		}, nil
	}

	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if accessKey != "" && secretKey != "" {
		return &AWSCredentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			Source:          CredentialSourceEnvironment,
		}, nil
	}

	if s3Config.AccessKeyID != "" && s3Config.SecretKey != "" {
		logrus.Warn("AWS credentials found in config file; use environment variables or IAM roles instead")
		return &AWSCredentials{
			AccessKeyID:     s3Config.AccessKeyID,
			SecretAccessKey: s3Config.SecretKey,
			Source:          CredentialSourceConfig,
		}, nil
	}

	// No credentials found - AWS SDK will try default credential chain
	return &AWSCredentials{
		Source: CredentialSourceNone,
	}, nil
}

// ValidateCredentialSecurity checks if credentials are stored securely
func ValidateCredentialSecurity(cfg *Config) []string {
	var warnings []string

	if cfg.Catalog.S3.AccessKeyID != "" || cfg.Catalog.S3.SecretKey != "" {
		warnings = append(warnings, "AWS credentials found in configuration file - consider using environment variables or IAM roles")
	}

	if cfg.Catalog.Token != "" {
		warnings = append(warnings, "Catalog API token found in configuration file - consider DNSBYPASS_CATALOG_TOKEN")
	}

	if cfg.Catalog.URL != "" && len(cfg.Catalog.URL) > 7 && cfg.Catalog.URL[:7] == "http://" {
		warnings = append(warnings, "Catalog URL uses plain HTTP - server list can be tampered with in transit")
	}

	for _, warning := range warnings {
		logrus.Warn(fmt.Sprintf("SECURITY: %s", warning))
	}

	return warnings
}

// CatalogToken returns the catalog bearer token, preferring the environment
func CatalogToken(cfg *Config) string {
	if tok := os.Getenv("DNSBYPASS_CATALOG_TOKEN"); tok != "" {
		return tok
	}
	return cfg.Catalog.Token
}
