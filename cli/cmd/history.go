package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tapedeck/cli/render"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/lode"
)

// HistoryCommand returns the history command.
// History reads the upload ledger, newest first.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recorded uploads from the upload ledger",
		Flags: append(append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "device",
				Usage: "Only uploads of this device",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of uploads to return (0 = no limit)",
				Value: 20,
			},
		), StorageFlags()...),
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	st, err := buildStack(c.Context, cfg, log.NewLogger(log.Meta{Service: "tapedeck"}, cfg.LogLevel), false)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer func() { _ = st.Close() }()

	records, err := st.ledger.Query(c.Context, c.String("device"), c.Int("limit"))
	if errors.Is(err, lode.ErrNoUploadsFound) {
		return r.Render([]lode.UploadRecord{})
	}
	if err != nil {
		return fmt.Errorf("failed to read upload ledger: %w", err)
	}
	return r.Render(records)
}
