package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pithecene-io/tapedeck/lode"
	"github.com/pithecene-io/tapedeck/policy"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultListen     = ":3000"
	DefaultStagingDir = "./staging"
	DefaultSpoolDir   = "./spool"
	DefaultStorageDir = "./uploads"
)

// Default intervals for the periodic tasks.
var (
	DefaultSweepInterval = 5 * time.Second
	DefaultRetryInterval = time.Minute
)

// Config represents a tapedeck.yaml configuration file.
// All values are optional and act as defaults for tapedeck serve flags.
// CLI flags always override config values.
type Config struct {
	Listen        string        `yaml:"listen"`
	LogLevel      string        `yaml:"log_level"`
	Format        FormatConfig  `yaml:"format"`
	Policy        PolicyConfig  `yaml:"policy"`
	StagingDir    string        `yaml:"staging_dir"`
	SpoolDir      string        `yaml:"spool_dir"`
	Storage       StorageConfig `yaml:"storage"`
	RetryInterval Duration      `yaml:"retry_interval"`
	Notify        NotifyConfig  `yaml:"notify"`
}

// FormatConfig describes the PCM layout devices send.
type FormatConfig struct {
	SampleRate int `yaml:"sample_rate"`
}

// PolicyConfig holds aggregation policy defaults.
type PolicyConfig struct {
	Name           string   `yaml:"name"`
	MaxBufferBytes int64    `yaml:"max_buffer_bytes"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	PerDevice      bool     `yaml:"per_device"`
}

// StorageConfig holds object storage defaults.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// NotifyConfig configures the optional upload notifier.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Notifier types.
const (
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// WithDefaults returns a copy with every unset value filled in.
func (c Config) WithDefaults() Config {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Policy.Name == "" {
		c.Policy.Name = policy.NameWholeSession
	}
	if c.Policy.SweepInterval.Duration == 0 {
		c.Policy.SweepInterval.Duration = DefaultSweepInterval
	}
	if c.StagingDir == "" {
		c.StagingDir = DefaultStagingDir
	}
	if c.SpoolDir == "" {
		c.SpoolDir = DefaultSpoolDir
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = lode.BackendFS
	}
	if c.Storage.Path == "" && c.Storage.Backend == lode.BackendFS {
		c.Storage.Path = DefaultStorageDir
	}
	if c.RetryInterval.Duration == 0 {
		c.RetryInterval.Duration = DefaultRetryInterval
	}
	return c
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Policy.Name != "" && !slices.Contains(policy.Names(), c.Policy.Name) {
		errs = append(errs, fmt.Errorf("policy.name: %w: %q", policy.ErrUnknownPolicy, c.Policy.Name))
	}
	if c.Format.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("format.sample_rate must be positive, got %d", c.Format.SampleRate))
	}
	if c.Policy.SweepInterval.Duration < 0 {
		errs = append(errs, errors.New("policy.sweep_interval must not be negative"))
	}
	if c.RetryInterval.Duration < 0 {
		errs = append(errs, errors.New("retry_interval must not be negative"))
	}

	switch c.Storage.Backend {
	case "", lode.BackendFS, lode.BackendMemory:
	case lode.BackendS3:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the s3 backend (bucket/prefix)"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q (must be fs, s3 or memory)", c.Storage.Backend))
	}

	switch c.Notify.Type {
	case "":
	case NotifyWebhook, NotifyRedis:
		if c.Notify.URL == "" {
			errs = append(errs, fmt.Errorf("notify.url is required for the %s notifier", c.Notify.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.type: unknown notifier %q (must be webhook or redis)", c.Notify.Type))
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		errs = append(errs, errors.New("notify.retries must not be negative"))
	}

	return errors.Join(errs...)
}
