// Package notify tells human reviewers about new or escalated alerts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
)

type Notifier interface {
	AlertRaised(ctx context.Context, alert domain.Alert) error
}

type Nop struct{}

func (Nop) AlertRaised(context.Context, domain.Alert) error { return nil }

// slackPoster is the part of *slack.Client the notifier uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts one message per raised alert to a fixed channel.
type Slack struct {
	Channel string
	api     slackPoster
}

func NewSlack(token, channel string) (*Slack, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("slack token required")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("slack channel required")
	}
	return &Slack{Channel: channel, api: slack.New(token)}, nil
}

func (s *Slack) AlertRaised(ctx context.Context, alert domain.Alert) error {
	_, _, err := s.api.PostMessageContext(ctx, s.Channel, slack.MsgOptionText(FormatAlert(alert), false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// FormatAlert renders the one-line reviewer message for an alert.
func FormatAlert(a domain.Alert) string {
	icon := ":warning:"
	if a.Level == domain.RiskCritical {
		icon = ":rotating_light:"
	}
	return fmt.Sprintf("%s *%s* recipient `%s` (tenant %s): %s [alert %s]", icon, a.Level, a.RecipientID, a.TenantID, a.Trigger, a.ID)
}
