package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/tapedeck/adapter"
	"github.com/pithecene-io/tapedeck/adapter/redis"
	"github.com/pithecene-io/tapedeck/adapter/webhook"
	"github.com/pithecene-io/tapedeck/cli/config"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/lode"
	"github.com/pithecene-io/tapedeck/metrics"
	"github.com/pithecene-io/tapedeck/uploader"
)

// stack is the storage side of the pipeline, shared by serve, retry, list
// and history.
type stack struct {
	cfg       config.Config
	logger    *log.Logger
	collector *metrics.Collector
	store     lode.ObjectStore
	ledger    *lode.Ledger
	notifier  adapter.Adapter
	uploader  *uploader.Uploader
}

// buildStack opens the object store and upload ledger and wires the
// uploader. withUploader is false for read-only commands, which then never
// touch the spool directory or the notifier.
func buildStack(ctx context.Context, cfg config.Config, logger *log.Logger, withUploader bool) (*stack, error) {
	factory, err := lode.NewFactory(ctx, lode.BackendConfig{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Storage.Path,
		S3: lode.S3Config{
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	ledger, err := lode.NewLedger(factory)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload ledger: %w", err)
	}

	collector := metrics.NewCollector(cfg.Policy.Name, cfg.Storage.Backend)
	st := &stack{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		store:     lode.NewInstrumentedStore(lode.NewStore(factory), collector),
		ledger:    ledger,
	}
	if !withUploader {
		return st, nil
	}

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}
	st.notifier = notifier

	opts := []uploader.Option{
		uploader.WithLedger(ledger),
		uploader.WithLogger(logger),
		uploader.WithCollector(collector),
		uploader.WithBackend(cfg.Storage.Backend),
	}
	if notifier != nil {
		opts = append(opts, uploader.WithNotifier(notifier))
	}
	up, err := uploader.New(st.store, cfg.SpoolDir, opts...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create uploader: %w", err)
	}
	st.uploader = up
	return st, nil
}

// buildNotifier returns nil when no notifier is configured.
func buildNotifier(cfg config.NotifyConfig) (adapter.Adapter, error) {
	retries := 0
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}

	switch cfg.Type {
	case "":
		return nil, nil
	case config.NotifyWebhook:
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case config.NotifyRedis:
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}
}

// Close releases the notifier and flushes the logger.
func (s *stack) Close() error {
	var errs []error
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
