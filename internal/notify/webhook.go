package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

// Webhook posts the quality payload to an HTTP endpoint.
type Webhook struct {
	client  *http.Client
	url     string
	method  string
	headers map[string]string
}

// NewWebhook builds a webhook sink from config.
func NewWebhook(cfg models.WebhookSink) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required for webhook notifications")
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Webhook{
		client:  &http.Client{Timeout: timeout},
		url:     cfg.URL,
		method:  method,
		headers: headers,
	}, nil
}

// Notify delivers the payload with retry; transient HTTP failures back off
// and retry, a 2xx stops immediately.
func (w *Webhook) Notify(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "Failed to encode notification payload")
	}

	return errors.RetryWithBackoff(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "Failed to build notification request")
		}
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "Notification endpoint unreachable").
				WithContext("url", w.url)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errors.New(errors.ErrCodeServiceUnavailable,
				fmt.Sprintf("Notification endpoint returned %d", resp.StatusCode)).
				WithContext("url", w.url)
		}
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("Notification rejected with status %d", resp.StatusCode)).
			WithContext("url", w.url)
	})
}
