package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Level: InfoLevel, Output: &buf})

	log.WithRunID("run-1").InfoWithFields("merge complete", map[string]interface{}{
		"table":        "dim_members",
		"rows_written": 42,
	})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "merge complete", entry.Message)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "civiclake", entry.Service)
	assert.Equal(t, "dim_members", entry.Fields["table"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Level: WarnLevel, Output: &buf})

	log.Info("suppressed")
	log.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kept")
}

func TestLoggerFieldInheritance(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Level: DebugLevel, Output: &buf})

	child := log.WithField("source", "financial")
	child.Debug("check")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "financial", entry.Fields["source"])

	// Parent logger stays clean.
	buf.Reset()
	log.Debug("plain")
	var plain LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plain))
	assert.Nil(t, plain.Fields)
}
