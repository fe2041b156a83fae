package pipeline

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civiclake/internal/dimension"
	"civiclake/internal/quality"
	"civiclake/pkg/models"
)

func TestPublishMultiTableReport(t *testing.T) {
	var body string
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pub := NewMetricsPublisher(models.Metrics{PushgatewayURL: server.URL})
	report := &RunReport{
		RunID:    "run-42",
		Duration: 90 * time.Second,
		Verdict:  quality.VerdictPass,
		Tables: []TableReport{
			{Table: "dim_members", Stats: dimension.DetectStats{NewEntities: 3, ChangedEntities: 1}},
			{Table: "fact_trades", Stats: dimension.DetectStats{NewEntities: 7, Skipped: 2}},
		},
	}

	require.NoError(t, pub.Publish(report))

	assert.Contains(t, path, "/job/civiclake")
	assert.Contains(t, path, "/run_id/run-42")
	// Encoded wire format still carries family and label names verbatim.
	assert.Contains(t, body, "civiclake_run_duration_seconds")
	assert.Contains(t, body, "civiclake_rows_new")
	assert.Contains(t, body, "civiclake_rows_skipped")
	assert.Contains(t, body, "dim_members")
	assert.Contains(t, body, "fact_trades")
	assert.Contains(t, body, "civiclake_quality_verdict")
}

func TestPublishDisabledWithoutGateway(t *testing.T) {
	pub := NewMetricsPublisher(models.Metrics{})

	assert.False(t, pub.Enabled())
	assert.NoError(t, pub.Publish(&RunReport{RunID: "run-1"}))
}

func TestPublishGatewayDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	server.Close()

	pub := NewMetricsPublisher(models.Metrics{PushgatewayURL: server.URL, JobName: "lake"})
	err := pub.Publish(&RunReport{RunID: "run-9", Verdict: quality.VerdictPass})

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Failed to push run metrics"))
}
