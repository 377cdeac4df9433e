package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts messages to a Slack channel through the Web API.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier for the given bot token and channel.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

func (n *SlackNotifier) Notify(ctx context.Context, message string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("slack notification failed: %w", err)
	}
	return nil
}
