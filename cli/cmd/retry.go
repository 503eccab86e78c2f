package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tapedeck/cli/render"
	"github.com/pithecene-io/tapedeck/log"
)

// RetryCommand returns the retry command.
// Retry uploads every artifact left in the spool directory by a failed
// upload. A running server retries on its own schedule; this is the manual
// path.
func RetryCommand() *cli.Command {
	flags := append(ReadOnlyFlags(), SpoolFlag,
		&cli.StringFlag{
			Name:  "notify-type",
			Usage: "Upload notifier: webhook or redis",
		},
		&cli.StringFlag{
			Name:  "notify-url",
			Usage: "Upload notifier endpoint",
		},
	)
	return &cli.Command{
		Name:   "retry",
		Usage:  "Upload artifacts retained after failed uploads",
		Flags:  append(flags, StorageFlags()...),
		Action: retryAction,
	}
}

func retryAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	logger := log.NewLogger(log.Meta{Service: "tapedeck"}, cfg.LogLevel)
	st, err := buildStack(c.Context, cfg, logger, true)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer func() { _ = st.Close() }()

	res, retryErr := st.uploader.Retry(c.Context)
	if res.Attempted == 0 {
		logger.Sugar().Infof("no retained artifacts in %s", cfg.SpoolDir)
	}
	if res.Permanent > 0 {
		logger.Sugar().Warnf("%d of %d failed artifacts cannot succeed on retry and stay in %s",
			res.Permanent, res.Failed, cfg.SpoolDir)
	}
	if err := r.Render(res); err != nil {
		return err
	}
	if retryErr != nil {
		return cli.Exit(retryErr.Error(), exitUploadFailure)
	}
	return nil
}
