// Package opsnotify posts operator-facing Slack notifications for events
// that never surface to an MCP client: quota-pressure bursts and stdio
// upstream respawn failures.
package opsnotify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts to a single configured channel. A zero-value botToken
// makes it a noop (logging only), same short-circuit as the teacher's
// Slack notifier.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, IsEnabled reports false and
// every post method degrades to a debug log line.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable client and channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// QuotaPressure reports that a user has been rejected by the subscription
// gate repeatedly in a short window.
func (n *Notifier) QuotaPressure(ctx context.Context, user string, rejections int, reason string) {
	text := fmt.Sprintf(":warning: quota pressure: user %q rejected %d times in the last minute (%s)", user, rejections, reason)
	n.post(ctx, text)
}

// StdioRespawnFailure reports that a stdio upstream's child process could
// not be respawned.
func (n *Notifier) StdioRespawnFailure(ctx context.Context, upstream string, err error) {
	text := fmt.Sprintf(":rotating_light: stdio upstream %q failed to respawn: %s", upstream, err)
	n.post(ctx, text)
}

// UpstreamRegistered reports a newly registered upstream at bootstrap.
func (n *Notifier) UpstreamRegistered(ctx context.Context, name string, kind string) {
	text := fmt.Sprintf(":electric_plug: upstream %q (%s) registered", name, kind)
	n.post(ctx, text)
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("opsnotify disabled, skipping post", "text", text)
		return
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("posting ops notification to slack failed", "error", err)
	}
}
