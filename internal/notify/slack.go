package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

// Slack posts quality verdicts to a Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
	channel    string
	username   string
}

// slackMessage is the incoming-webhook payload shape.
type slackMessage struct {
	Channel   string `json:"channel,omitempty"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
	Text      string `json:"text"`
}

// NewSlack builds a Slack sink from config.
func NewSlack(cfg models.SlackSink) (*Slack, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook_url is required for Slack notifications")
	}

	username := cfg.Username
	if username == "" {
		username = "CivicLake"
	}

	return &Slack{
		client:     &http.Client{Timeout: 30 * time.Second},
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   username,
	}, nil
}

func (s *Slack) Notify(ctx context.Context, payload Payload) error {
	emoji := ":warning:"
	if payload.Verdict == "fail" {
		emoji = ":rotating_light:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s Quality gate *%s* for `%s` (run %s)", emoji, payload.Verdict, payload.Table, payload.RunID)
	if len(payload.ThresholdsBreached) > 0 {
		b.WriteString("\n• ")
		b.WriteString(strings.Join(payload.ThresholdsBreached, "\n• "))
	}
	if payload.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", payload.Error)
	}

	body, err := json.Marshal(slackMessage{
		Channel:   s.channel,
		Username:  s.username,
		IconEmoji: emoji,
		Text:      b.String(),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "Failed to encode Slack message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "Failed to build Slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "Slack webhook unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrCodeServiceUnavailable,
			fmt.Sprintf("Slack webhook returned %d", resp.StatusCode))
	}
	return nil
}
