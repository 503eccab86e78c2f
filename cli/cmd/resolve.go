package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tapedeck/cli/config"
)

// Exit codes.
const (
	exitSuccess       = 0
	exitFailure       = 1
	exitConfigError   = 2
	exitUploadFailure = 3
)

// loadConfig reads the file named by --config, or returns nil when no file
// was given.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	return config.Load(path)
}

// configVal reads a value from an optional config.
func configVal[T any](cfg *config.Config, get func(*config.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// resolveString prefers an explicitly set flag, then a non-empty config
// value, then the flag default.
func resolveString(c *cli.Context, name, cfgVal string) string {
	if c.IsSet(name) || cfgVal == "" {
		return c.String(name)
	}
	return cfgVal
}

func resolveInt(c *cli.Context, name string, cfgVal int) int {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int(name)
	}
	return cfgVal
}

func resolveInt64(c *cli.Context, name string, cfgVal int64) int64 {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int64(name)
	}
	return cfgVal
}

func resolveBool(c *cli.Context, name string, cfgVal bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return cfgVal || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, cfgVal time.Duration) time.Duration {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Duration(name)
	}
	return cfgVal
}

// resolveConfig merges the config file with the command's flags, applies
// defaults and validates the result. Flags a command does not define keep
// the file value.
func resolveConfig(c *cli.Context) (config.Config, error) {
	file, err := loadConfig(c)
	if err != nil {
		return config.Config{}, err
	}

	var cfg config.Config
	if file != nil {
		cfg = *file
	}

	cfg.Listen = resolveString(c, "listen", cfg.Listen)
	cfg.LogLevel = resolveString(c, "log-level", cfg.LogLevel)
	cfg.Format.SampleRate = resolveInt(c, "sample-rate", cfg.Format.SampleRate)
	cfg.Policy.Name = resolveString(c, "policy", cfg.Policy.Name)
	cfg.Policy.MaxBufferBytes = resolveInt64(c, "max-buffer-bytes", cfg.Policy.MaxBufferBytes)
	cfg.Policy.SweepInterval.Duration = resolveDuration(c, "sweep-interval", cfg.Policy.SweepInterval.Duration)
	cfg.Policy.PerDevice = resolveBool(c, "per-device", cfg.Policy.PerDevice)
	cfg.StagingDir = resolveString(c, "staging-dir", cfg.StagingDir)
	cfg.SpoolDir = resolveString(c, "spool-dir", cfg.SpoolDir)
	cfg.Storage.Backend = resolveString(c, "storage-backend", cfg.Storage.Backend)
	cfg.Storage.Path = resolveString(c, "storage-path", cfg.Storage.Path)
	cfg.Storage.Region = resolveString(c, "storage-region", cfg.Storage.Region)
	cfg.Storage.Endpoint = resolveString(c, "storage-endpoint", cfg.Storage.Endpoint)
	cfg.Storage.S3PathStyle = resolveBool(c, "storage-s3-path-style", cfg.Storage.S3PathStyle)
	cfg.RetryInterval.Duration = resolveDuration(c, "retry-interval", cfg.RetryInterval.Duration)
	cfg.Notify.Type = resolveString(c, "notify-type", cfg.Notify.Type)
	cfg.Notify.URL = resolveString(c, "notify-url", cfg.Notify.URL)

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
