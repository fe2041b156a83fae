package quality

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"civiclake/internal/storage"
	"civiclake/pkg/models"
)

func rowsOf(n int) []storage.Row {
	rows := make([]storage.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, storage.Row{
			"natural_key": fmt.Sprintf("M%d", i),
			"ingested_at": "2025-06-01T00:00:00Z",
		})
	}
	return rows
}

func TestEvaluateRowCountFail(t *testing.T) {
	// 10 rows against a 500-row floor is a hard fail.
	report := Evaluate("dim_members", rowsOf(10), models.Thresholds{MinRows: 500}, time.Now())

	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Len(t, report.Breaches, 1)
	assert.Equal(t, "min_rows", report.Breaches[0].Threshold)
	assert.Equal(t, "500", report.Breaches[0].Limit)
	assert.Equal(t, "10", report.Breaches[0].Actual)
}

func TestEvaluateRowCountWarn(t *testing.T) {
	report := Evaluate("dim_members", rowsOf(60), models.Thresholds{MinRows: 50, WarnMinRows: 100}, time.Now())
	assert.Equal(t, VerdictWarn, report.Verdict)
}

func TestEvaluatePass(t *testing.T) {
	asOf := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	report := Evaluate("dim_members", rowsOf(200), models.Thresholds{
		MinRows:          100,
		MaxStalenessDays: 7,
		MinNonNullRatio:  0.95,
		KeyColumns:       []string{"natural_key"},
	}, asOf)

	assert.Equal(t, VerdictPass, report.Verdict)
	assert.Empty(t, report.Breaches)
}

func TestEvaluateStaleness(t *testing.T) {
	rows := []storage.Row{{"ingested_at": "2025-01-01T00:00:00Z"}}
	asOf := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	report := Evaluate("dim_members", rows, models.Thresholds{MaxStalenessDays: 30}, asOf)
	assert.Equal(t, VerdictFail, report.Verdict)

	report = Evaluate("dim_members", rows, models.Thresholds{WarnStalenessDays: 30}, asOf)
	assert.Equal(t, VerdictWarn, report.Verdict)
}

func TestEvaluateNonNullRatio(t *testing.T) {
	rows := []storage.Row{
		{"party": "R"},
		{"party": nil},
		{"party": ""},
		{"party": "D"},
	}

	report := Evaluate("dim_members", rows, models.Thresholds{
		MinNonNullRatio: 0.75,
		KeyColumns:      []string{"party"},
	}, time.Now())

	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Contains(t, report.Breaches[0].Threshold, "party")
}

func TestEvaluateFailTrumpsWarn(t *testing.T) {
	report := Evaluate("dim_members", rowsOf(10), models.Thresholds{
		MinRows:           50,
		WarnStalenessDays: 1,
	}, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, VerdictFail, report.Verdict)
}

func TestEvaluateEmptyThresholds(t *testing.T) {
	// No thresholds configured means nothing to breach.
	report := Evaluate("dim_members", nil, models.Thresholds{}, time.Now())
	assert.Equal(t, VerdictPass, report.Verdict)
}

func TestWorst(t *testing.T) {
	assert.Equal(t, VerdictPass, Worst())
	assert.Equal(t, VerdictPass, Worst(VerdictPass, VerdictPass))
	assert.Equal(t, VerdictWarn, Worst(VerdictPass, VerdictWarn))
	assert.Equal(t, VerdictFail, Worst(VerdictWarn, VerdictFail, VerdictPass))
}

func TestBreachedThresholds(t *testing.T) {
	report := Evaluate("dim_members", rowsOf(10), models.Thresholds{MinRows: 500}, time.Now())
	breached := report.BreachedThresholds()
	assert.Equal(t, []string{"min_rows (limit 500, actual 10)"}, breached)
}
