// Package notify posts load run reports to Slack. A report is rendered
// as markdown and converted to Slack blocks on the way out. Without a
// token and channel the notifier stays quiet, so loads can always build
// a report and hand it over.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	slackmdgo "github.com/snormore/slackmd/slackgo"
)

// TableReport describes one table of a finished load.
type TableReport struct {
	Name     string
	Rows     int
	Duration time.Duration
}

// Report describes a finished load run.
type Report struct {
	// Title names the run. Defaults to "Load report".
	Title    string
	Started  time.Time
	Finished time.Time
	Tables   []TableReport
	// Err marks the run as failed and is included in the report.
	Err error
}

// Markdown renders the report for posting.
func (r *Report) Markdown() string {
	var b strings.Builder
	title := r.Title
	if title == "" {
		title = "Load report"
	}
	status := "succeeded"
	if r.Err != nil {
		status = "failed"
	}
	rows := 0
	for _, t := range r.Tables {
		rows += t.Rows
	}
	fmt.Fprintf(&b, "## %s\n\n", title)
	fmt.Fprintf(&b, "Load %s in %s: %d rows into %d tables.\n",
		status, r.Finished.Sub(r.Started).Round(time.Millisecond), rows, len(r.Tables))
	if len(r.Tables) > 0 {
		b.WriteString("\n")
	}
	for _, t := range r.Tables {
		fmt.Fprintf(&b, "- `%s`: %d rows in %s\n", t.Name, t.Rows, t.Duration.Round(time.Millisecond))
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "\n**Error:** %s\n", r.Err)
	}
	return b.String()
}

type Config struct {
	// Token is the Slack bot token. Empty disables posting.
	Token string
	// Channel receives the reports. Empty disables posting.
	Channel string
}

// Notifier posts reports to one channel.
type Notifier struct {
	log *slog.Logger
	cfg *Config
	api *slack.Client
}

func New(log *slog.Logger, cfg *Config) *Notifier {
	if cfg == nil {
		cfg = &Config{}
	}
	n := &Notifier{log: log, cfg: cfg}
	if cfg.Token != "" && cfg.Channel != "" {
		n.api = slack.New(cfg.Token)
	}
	return n
}

// Enabled reports whether posting is configured.
func (n *Notifier) Enabled() bool {
	return n.api != nil
}

// PostReport posts the report. Without configuration it logs and returns
// nil so callers do not need to care whether Slack is set up.
func (n *Notifier) PostReport(ctx context.Context, r *Report) error {
	if n.api == nil {
		n.log.Debug("slack notifications not configured, skipping report")
		return nil
	}
	_, err := slackmdgo.Post(ctx, n.api, n.cfg.Channel, r.Markdown(), slackmdgo.WithRetry(nil))
	if err != nil {
		return fmt.Errorf("failed to post report to slack: %w", err)
	}
	n.log.Info("posted load report to slack", "channel", n.cfg.Channel)
	return nil
}
