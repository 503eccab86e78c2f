package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tapedeck/cli/render"
	"github.com/pithecene-io/tapedeck/listing"
	"github.com/pithecene-io/tapedeck/log"
)

// listWarningThreshold is the number of items above which we warn about using --limit.
const listWarningThreshold = 100

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// ListCommand returns the list command.
// List shows stored artifacts, oldest first.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List stored audio artifacts",
		Flags: append(append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "device",
				Usage: "Only artifacts of this device",
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "Only artifacts created at or after this time (RFC3339, or a duration like 24h meaning that long ago)",
			},
			&cli.StringFlag{
				Name:  "until",
				Usage: "Only artifacts created before this time (RFC3339 or duration ago)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of artifacts to return, newest kept (0 = no limit)",
				Value: 0,
			},
		), StorageFlags()...),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	now := time.Now()
	since, err := parseTimeBound(c.String("since"), now)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid --since: %v", err), exitConfigError)
	}
	until, err := parseTimeBound(c.String("until"), now)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid --until: %v", err), exitConfigError)
	}

	cfg, err := resolveConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	logger := log.NewLogger(log.Meta{Service: "tapedeck"}, cfg.LogLevel)
	st, err := buildStack(c.Context, cfg, logger, false)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer func() { _ = st.Close() }()

	results, err := listing.New(st.store, logger).Find(c.Context, listing.Filter{
		DeviceID: c.String("device"),
		Since:    since,
		Until:    until,
	})
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}

	limit := c.Int("limit")
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}

	// Warn if output is large and --limit was not specified (TTY only to avoid noise in pipelines)
	if len(results) > listWarningThreshold && limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(results))
	}

	return r.Render(results)
}

// parseTimeBound accepts an RFC3339 timestamp or a duration counted back
// from now. Empty means unbounded.
func parseTimeBound(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a duration", s)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("duration %q must not be negative", s)
	}
	return now.Add(-d), nil
}
