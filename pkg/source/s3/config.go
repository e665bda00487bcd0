// Package s3 implements a source over AWS S3 and S3-compatible storage.
//
// Facilities increasingly land acquisition output in a bucket rather than a
// shared filesystem. This source discovers new objects under a prefix via
// ListObjectsV2 and stages them to local disk on fetch, since the estimator
// binary only reads local files.
package s3

// Config configures an S3 source.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// Region handling:
//   - For AWS S3: if Region is empty and not set via environment/profile,
//     the instance metadata service is consulted (facility ingest nodes run
//     on EC2), then us-east-1 as the final fallback.
//   - For S3-compatible stores: when Endpoint is set, no default region is
//     applied.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Prefix is the key prefix the session lives under. Treated as a
	// directory path: a trailing slash is appended when missing. Item
	// names are reported relative to it.
	Prefix string

	// Prefixes narrows listing to these additional prefixes under Prefix,
	// typically derived from the match patterns. Empty lists everything
	// under Prefix.
	Prefixes []string

	// StagingDir is the local directory fetched objects are downloaded
	// into (required).
	StagingDir string

	// Region is the AWS region.
	// For AWS S3: resolved via environment, profile, and IMDS when empty.
	// For S3-compatible (when Endpoint is set): no default applied.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	// Leave empty to use the default profile or environment credentials.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must
	// also be set. This takes precedence over the default credential chain.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores.
	ForcePathStyle bool

	// MaxKeys is the page size for listing. Zero uses the default (1000).
	// Values over 1000 are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for listing.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	if c.StagingDir == "" {
		return &ConfigError{Field: "StagingDir", Message: "staging directory is required"}
	}

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
