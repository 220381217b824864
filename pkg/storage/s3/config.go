// Package s3 implements the storage driver for AWS S3 and S3-compatible stores.
package s3

import (
	"strings"

	"github.com/3leaps/gocumulus/pkg/storage"
)

// Config configures an S3 driver.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file / profile
//  4. EC2 instance metadata / ECS task role / EKS IRSA
//
// A driver is not bound to one bucket: every call names its bucket, so a
// single driver serves all URIs that share credentials.
type Config struct {
	// Region is the AWS region. For AWS S3 it defaults to us-east-1 when not
	// resolvable from the environment; for custom endpoints no default applies.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Custom endpoints always use path style.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// ConfigFromCredentials maps a job credential set onto a Config.
//
// S3_URL equal to the public AWS endpoint selects AWS itself; any other value
// is treated as an S3-compatible endpoint.
func ConfigFromCredentials(creds storage.Credentials) Config {
	cfg := Config{
		Region:          creds.Get(storage.CredS3Region),
		AccessKeyID:     creds.Get(storage.CredS3AccessKey),
		SecretAccessKey: creds.Get(storage.CredS3SecretKey),
	}
	endpoint := strings.TrimSuffix(creds.Get(storage.CredS3URL), "/")
	if endpoint != "" && endpoint != storage.DefaultAWSS3URL {
		cfg.Endpoint = endpoint
		cfg.ForcePathStyle = true
	}
	return cfg
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	// If one explicit credential is set, both must be set
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
