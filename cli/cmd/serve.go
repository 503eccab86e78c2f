package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tapedeck/cli/config"
	"github.com/pithecene-io/tapedeck/listing"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/policy"
	"github.com/pithecene-io/tapedeck/server"
	"github.com/pithecene-io/tapedeck/session"
	"github.com/pithecene-io/tapedeck/sweep"
	"github.com/pithecene-io/tapedeck/types"
)

// shutdownTimeout bounds the drain of open sessions on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

// ServeCommand returns the serve command, the only command that ingests.
func ServeCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Aliases: []string{"l"},
			Usage:   "Listen address (default " + config.DefaultListen + ")",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.IntFlag{
			Name:  "sample-rate",
			Usage: "Sample rate of incoming PCM frames in Hz (default 48000)",
		},
		&cli.StringFlag{
			Name:  "policy",
			Usage: "Aggregation policy: whole_session, streaming or batched_directory",
		},
		&cli.Int64Flag{
			Name:  "max-buffer-bytes",
			Usage: "Whole-session buffer bound before rollover (negative disables)",
		},
		&cli.DurationFlag{
			Name:  "sweep-interval",
			Usage: "Batched-directory sweep interval",
		},
		&cli.BoolFlag{
			Name:  "per-device",
			Usage: "Batched-directory sweeps produce one artifact per device",
		},
		&cli.StringFlag{
			Name:  "staging-dir",
			Usage: "Batched-directory staging area",
		},
		SpoolFlag,
		&cli.DurationFlag{
			Name:  "retry-interval",
			Usage: "Interval between retries of spooled uploads",
		},
		&cli.StringFlag{
			Name:  "notify-type",
			Usage: "Upload notifier: webhook or redis",
		},
		&cli.StringFlag{
			Name:  "notify-url",
			Usage: "Upload notifier endpoint",
		},
	}

	return &cli.Command{
		Name:   "serve",
		Usage:  "Accept device WebSocket connections and store their audio",
		Flags:  append(flags, StorageFlags()...),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	logger := log.NewLogger(log.Meta{Service: "tapedeck", Policy: cfg.Policy.Name}, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger, true)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer func() { _ = st.Close() }()

	format := types.DefaultFormat()
	if cfg.Format.SampleRate > 0 {
		format = format.WithSampleRate(cfg.Format.SampleRate)
	}
	pol, err := policy.New(policy.Config{
		Name:           cfg.Policy.Name,
		Format:         format,
		MaxBufferBytes: cfg.Policy.MaxBufferBytes,
		StagingDir:     cfg.StagingDir,
		PerDevice:      cfg.Policy.PerDevice,
		Logger:         logger,
	}, st.uploader)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid policy config: %v", err), exitConfigError)
	}

	registry := session.NewRegistry(session.Options{
		Policy:    pol,
		Logger:    logger,
		Collector: st.collector,
	})
	srv, err := server.New(server.Config{Addr: cfg.Listen}, server.Deps{
		Registry:  registry,
		Policy:    pol,
		Lister:    listing.New(st.store, logger),
		Collector: st.collector,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	schedulers := periodicTasks(cfg, pol, st)
	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic task stopped", map[string]any{"sweep": s.Name, "error": log.ErrField(err)})
			}
		}()
	}

	logger.Info("tapedeck starting", map[string]any{
		"version": types.Version,
		"listen":  cfg.Listen,
		"format":  format.String(),
		"storage": cfg.Storage.Backend,
	})
	serveErr := srv.ListenAndServe(ctx, shutdownTimeout)
	stop()
	wg.Wait()

	// One last pass so staged frames and spooled artifacts do not wait for
	// the next start.
	finalCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range schedulers {
		_ = s.RunOnce(finalCtx)
	}

	if serveErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", serveErr)
		return cli.Exit("", exitFailure)
	}
	return nil
}

// periodicTasks returns the schedulers serve runs next to the server.
func periodicTasks(cfg config.Config, pol policy.Policy, st *stack) []*sweep.Scheduler {
	var out []*sweep.Scheduler
	if pol.Name() == policy.NameBatchedDirectory {
		out = append(out, &sweep.Scheduler{
			Name:     "batch",
			Interval: cfg.Policy.SweepInterval.Duration,
			Task: func(ctx context.Context) error {
				_, err := pol.OnTick(ctx)
				return err
			},
			Logger:    st.logger,
			Collector: st.collector,
		})
	}
	if cfg.RetryInterval.Duration > 0 {
		out = append(out, &sweep.Scheduler{
			Name:     "retry",
			Interval: cfg.RetryInterval.Duration,
			Task: func(ctx context.Context) error {
				_, err := st.uploader.Retry(ctx)
				return err
			},
			Logger:    st.logger,
			Collector: st.collector,
		})
	}
	return out
}
