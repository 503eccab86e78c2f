package lode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// Storage backend names accepted by NewFactory.
const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// S3Config holds configuration for S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	parts := strings.SplitN(path, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// NewS3Factory creates a lode store factory backed by S3.
// Uses AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3Factory(ctx context.Context, s3cfg S3Config) (lode.StoreFactory, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	s3Client := s3.NewFromConfig(awsConfig, s3Opts...)

	return func() (lode.Store, error) {
		return lodes3.New(s3Client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}, nil
}

// BackendConfig selects and configures a storage backend.
type BackendConfig struct {
	// Backend is one of BackendFS, BackendS3, BackendMemory.
	Backend string
	// Path is the root directory for fs, or "bucket/prefix" for s3.
	Path string
	// S3 carries the remaining S3 options. Bucket and Prefix are filled
	// from Path when empty.
	S3 S3Config
}

// NewFactory returns a lode store factory for the configured backend.
func NewFactory(ctx context.Context, cfg BackendConfig) (lode.StoreFactory, error) {
	switch cfg.Backend {
	case BackendFS, "":
		if cfg.Path == "" {
			return nil, errors.New("fs storage requires a path")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, WrapInitError(err, cfg.Path)
		}
		return lode.NewFSFactory(cfg.Path), nil
	case BackendMemory:
		return lode.NewMemoryFactory(), nil
	case BackendS3:
		s3cfg := cfg.S3
		if s3cfg.Bucket == "" {
			s3cfg.Bucket, s3cfg.Prefix = ParseS3Path(cfg.Path)
		}
		return NewS3Factory(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want %s, %s or %s)",
			cfg.Backend, BackendFS, BackendS3, BackendMemory)
	}
}
