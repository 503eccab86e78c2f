package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tapedeck/cli/render"
	"github.com/pithecene-io/tapedeck/server"
)

// StatsView is the flattened stats response rendered by the stats command.
type StatsView struct {
	Version          string `json:"version"`
	Policy           string `json:"policy"`
	StorageBackend   string `json:"storage_backend"`
	OpenSessions     int    `json:"open_sessions"`
	SessionsOpened   int64  `json:"sessions_opened"`
	SessionsClosed   int64  `json:"sessions_closed"`
	IdentityRejected int64  `json:"identity_rejected"`
	TextDropped      int64  `json:"text_dropped"`
	Frames           int64  `json:"frames"`
	Bytes            int64  `json:"bytes"`
	BufferBytes      int64  `json:"buffer_bytes"`
	Artifacts        int64  `json:"artifacts"`
	Uploaded         int64  `json:"uploaded"`
	UploadFailures   int64  `json:"upload_failures"`
	UploadRetries    int64  `json:"upload_retries"`
	SweepTicks       int64  `json:"sweep_ticks"`
	SweepFailures    int64  `json:"sweep_failures"`
}

// StatsCommand returns the stats command.
// Stats queries a running server; it never opens storage.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show live statistics of a running server",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Base URL of the running server",
				Value: "http://localhost:3000",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	stats, err := fetchStats(ctx, c.String("addr"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to fetch stats: %v", err), exitFailure)
	}
	return r.Render(newStatsView(stats))
}

func fetchStats(ctx context.Context, addr string) (*server.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var stats server.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("invalid stats response: %w", err)
	}
	return &stats, nil
}

func newStatsView(s *server.Stats) StatsView {
	return StatsView{
		Version:          s.Version,
		Policy:           s.Metrics.Policy,
		StorageBackend:   s.Metrics.StorageBackend,
		OpenSessions:     s.OpenSessions,
		SessionsOpened:   s.Metrics.SessionsOpened,
		SessionsClosed:   s.Metrics.SessionsClosed,
		IdentityRejected: s.Metrics.IdentityRejected,
		TextDropped:      s.Metrics.TextDropped,
		Frames:           s.Policy.Frames,
		Bytes:            s.Policy.Bytes,
		BufferBytes:      s.Policy.BufferBytes,
		Artifacts:        s.Policy.Artifacts,
		Uploaded:         s.Metrics.UploadSuccess,
		UploadFailures:   s.Metrics.UploadFailure,
		UploadRetries:    s.Metrics.UploadRetry,
		SweepTicks:       s.Metrics.SweepTicks,
		SweepFailures:    s.Metrics.SweepFailures,
	}
}
