package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civiclake/pkg/models"
)

func TestWebhookNotify(t *testing.T) {
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewWebhook(models.WebhookSink{
		URL:     server.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	payload := Payload{
		RunID:              "run-42",
		Table:              "dim_members",
		Verdict:            "fail",
		ThresholdsBreached: []string{"min_rows (limit 500, actual 10)"},
	}
	require.NoError(t, sink.Notify(context.Background(), payload))

	assert.Equal(t, "run-42", received.RunID)
	assert.Equal(t, "dim_members", received.Table)
	assert.Equal(t, "fail", received.Verdict)
	assert.Equal(t, payload.ThresholdsBreached, received.ThresholdsBreached)
}

func TestWebhookRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewWebhook(models.WebhookSink{URL: server.URL})
	require.NoError(t, err)

	require.NoError(t, sink.Notify(context.Background(), Payload{RunID: "r", Table: "t", Verdict: "warn"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink, err := NewWebhook(models.WebhookSink{URL: server.URL})
	require.NoError(t, err)

	assert.Error(t, sink.Notify(context.Background(), Payload{}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookRequiresURL(t *testing.T) {
	_, err := NewWebhook(models.WebhookSink{})
	assert.Error(t, err)
}

func TestSlackNotify(t *testing.T) {
	var msg slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewSlack(models.SlackSink{WebhookURL: server.URL, Channel: "#data-quality"})
	require.NoError(t, err)

	require.NoError(t, sink.Notify(context.Background(), Payload{
		RunID:              "run-7",
		Table:              "dim_members",
		Verdict:            "fail",
		ThresholdsBreached: []string{"min_rows (limit 500, actual 10)"},
	}))

	assert.Equal(t, "#data-quality", msg.Channel)
	assert.Contains(t, msg.Text, "dim_members")
	assert.Contains(t, msg.Text, "min_rows")
}

type failingSink struct{}

func (failingSink) Notify(ctx context.Context, payload Payload) error {
	return fmt.Errorf("sink down")
}

type countingSink struct{ calls int }

func (c *countingSink) Notify(ctx context.Context, payload Payload) error {
	c.calls++
	return nil
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	counter := &countingSink{}
	multi := Multi{failingSink{}, counter}

	err := multi.Notify(context.Background(), Payload{})
	assert.Error(t, err, "first failure is surfaced for logging")
	assert.Equal(t, 1, counter.calls, "later sinks still receive the payload")
}
