package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cryokit/ctfstream/pkg/source"
)

// imdsTimeout caps the instance metadata region probe so that source
// construction on non-EC2 hosts (laptops, CI) fails over quickly.
const imdsTimeout = 1 * time.Second

// Source implements source.Source for AWS S3 and S3-compatible storage.
//
// An object visible in a ListObjectsV2 response is fully written (S3 puts
// are atomic), so unlike the directory source no settle window is needed.
type Source struct {
	client   *s3.Client
	bucket   string
	prefix   string
	prefixes []string
	staging  string
	maxKeys  int

	// seen tracks keys already reported by Poll.
	seen map[string]struct{}
}

var _ source.Source = (*Source)(nil)

// New creates an S3 source with the given configuration.
//
// The source uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &source.SourceError{
			Op:      "New",
			Backend: source.BackendS3,
			Root:    cfg.Bucket,
			Err:     err,
		}
	}

	// Build S3 client options
	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	staging, err := filepath.Abs(cfg.StagingDir)
	if err != nil {
		return nil, &source.SourceError{Op: "New", Backend: source.BackendS3, Root: cfg.Bucket, Err: err}
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, &source.SourceError{Op: "New", Backend: source.BackendS3, Root: cfg.Bucket, Err: err}
	}

	return &Source{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   normalizePrefix(cfg.Prefix),
		prefixes: cfg.Prefixes,
		staging:  staging,
		maxKeys:  clampMaxKeys(cfg.MaxKeys, DefaultMaxKeys),
		seen:     make(map[string]struct{}),
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if user set one in config.
	// Let SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Set profile if specified
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	// Facility ingest nodes run on EC2 where neither env nor profile is
	// usually configured; ask the instance metadata service before the
	// static fallback kicks in.
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = imdsRegion(ctx)
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)

	return awsCfg, nil
}

// imdsRegion asks the EC2 instance metadata service for the local region.
// Returns empty off-EC2.
func imdsRegion(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	out, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// Poll lists the configured prefixes and returns objects not reported by a
// previous call.
func (s *Source) Poll(ctx context.Context) ([]source.Item, error) {
	var items []source.Item
	for _, prefix := range s.listPrefixes() {
		found, err := s.pollPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		items = append(items, found...)
	}
	return items, nil
}

// pollPrefix pages through ListObjectsV2 for a single prefix.
func (s *Source) pollPrefix(ctx context.Context, prefix string) ([]source.Item, error) {
	var items []source.Item
	var token string

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			MaxKeys: aws.Int32(int32(s.maxKeys)),
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if token != "" {
			input.ContinuationToken = aws.String(token)
		}

		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, s.wrapError("Poll", "", err)
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				// Folder placeholder objects from console uploads.
				continue
			}
			name := s.itemName(key)
			if name == "" {
				continue
			}
			if _, ok := s.seen[key]; ok {
				continue
			}
			s.seen[key] = struct{}{}

			items = append(items, source.Item{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		token = aws.ToString(output.NextContinuationToken)
	}

	return items, nil
}

// Fetch downloads the named object into the staging directory and returns
// the local path. Acquisition objects are immutable, so a previously staged
// copy is returned as-is.
func (s *Source) Fetch(ctx context.Context, name string) (string, error) {
	local, err := s.stagePath(name)
	if err != nil {
		return "", s.wrapError("Fetch", name, err)
	}

	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	key := s.prefix + name
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", s.wrapError("Fetch", name, err)
	}
	defer func() { _ = output.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", s.wrapError("Fetch", name, err)
	}

	// Download to a temp file and rename so a crashed fetch never leaves a
	// truncated micrograph at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(local), ".ctfstream-fetch-*")
	if err != nil {
		return "", s.wrapError("Fetch", name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, output.Body); err != nil {
		return "", s.wrapError("Fetch", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", s.wrapError("Fetch", name, err)
	}

	if err := os.Rename(tmpName, local); err != nil {
		return "", s.wrapError("Fetch", name, err)
	}

	return local, nil
}

// Close releases resources held by the source.
// The S3 client doesn't require explicit cleanup, but this satisfies the interface.
func (s *Source) Close() error {
	return nil
}

// listPrefixes returns the full listing prefixes: the derived pattern
// prefixes joined under the base prefix, or the base prefix alone.
func (s *Source) listPrefixes() []string {
	if len(s.prefixes) == 0 {
		return []string{s.prefix}
	}
	joined := make([]string, 0, len(s.prefixes))
	for _, p := range s.prefixes {
		joined = append(joined, s.prefix+p)
	}
	return joined
}

// itemName converts an object key to a prefix-relative item name.
// Returns empty for keys outside the base prefix.
func (s *Source) itemName(key string) string {
	if s.prefix == "" {
		return key
	}
	if !strings.HasPrefix(key, s.prefix) {
		return ""
	}
	return strings.TrimPrefix(key, s.prefix)
}

// stagePath resolves an item name under the staging directory, rejecting
// traversal.
func (s *Source) stagePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	clean := filepath.Clean("/" + name)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid item name")
	}
	return filepath.Join(s.staging, filepath.FromSlash(clean)), nil
}

// normalizePrefix treats the configured prefix as a directory path.
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	prefix = strings.TrimPrefix(prefix, "/")
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// wrapError converts S3 errors to source errors with appropriate sentinels.
func (s *Source) wrapError(op, name string, err error) error {
	wrapped := &source.SourceError{
		Op:      op,
		Backend: source.BackendS3,
		Root:    s.bucket,
		Name:    name,
		Err:     err,
	}

	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = source.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = source.ErrBucketNotFound
		return wrapped
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "NoSuchKey", "NotFound":
			wrapped.Err = source.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = source.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = source.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = source.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = source.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = source.ErrUnavailable
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = source.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = source.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = source.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = source.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = source.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = source.ErrUnavailable
	}

	return wrapped
}

// clampMaxKeys applies defaults and limits to maxKeys values.
// If requested is <= 0, uses fallback. Result is clamped to MaxAllowedKeys.
func clampMaxKeys(requested, fallback int) int {
	if requested <= 0 {
		requested = fallback
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion determines the final region to use after SDK config loading.
//
// The sdkRegion parameter is the region after SDK loading and the IMDS
// probe, which already incorporates explicit cfgRegion (if set) or
// env/profile resolution.
//
// This function only applies the fallback default:
//   - If sdkRegion is still empty AND no custom endpoint, default to us-east-1
//   - For S3-compatible stores (endpoint set), no defaulting occurs
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	// SDK or IMDS already resolved a region
	if sdkRegion != "" {
		return sdkRegion
	}

	// Only default for AWS S3 (no custom endpoint)
	if endpoint == "" {
		return DefaultAWSRegion
	}

	// S3-compatible: no default, endpoint may not need a region
	return ""
}
