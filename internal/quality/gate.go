package quality

import (
	"fmt"
	"time"

	"civiclake/internal/storage"
	"civiclake/pkg/models"
)

// Verdict classifies a gated table. Fail blocks watermark advancement and
// publish; warn proceeds with a notification.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Breach describes one threshold violation.
type Breach struct {
	Threshold string  `json:"threshold"`
	Limit     string  `json:"limit"`
	Actual    string  `json:"actual"`
	Level     Verdict `json:"level"`
}

func (b Breach) String() string {
	return fmt.Sprintf("%s (limit %s, actual %s)", b.Threshold, b.Limit, b.Actual)
}

// Report is the gate's output for one table.
type Report struct {
	Table    string
	Verdict  Verdict
	Breaches []Breach
}

// BreachedThresholds renders the breach list for the notification payload.
func (r *Report) BreachedThresholds() []string {
	out := make([]string, 0, len(r.Breaches))
	for _, b := range r.Breaches {
		out = append(out, b.String())
	}
	return out
}

// Evaluate is a pure function of (output snapshot, thresholds): no hidden
// state, no I/O. asOf anchors the staleness computation so runs are
// reproducible in tests.
func Evaluate(table string, rows []storage.Row, thresholds models.Thresholds, asOf time.Time) *Report {
	report := &Report{Table: table, Verdict: VerdictPass}

	checkRowCount(report, rows, thresholds)
	checkStaleness(report, rows, thresholds, asOf)
	checkNonNullRatio(report, rows, thresholds)

	return report
}

func (r *Report) breach(level Verdict, threshold, limit, actual string) {
	r.Breaches = append(r.Breaches, Breach{Threshold: threshold, Limit: limit, Actual: actual, Level: level})
	if level == VerdictFail || (level == VerdictWarn && r.Verdict == VerdictPass) {
		r.Verdict = level
	}
}

func checkRowCount(r *Report, rows []storage.Row, t models.Thresholds) {
	count := int64(len(rows))
	if t.MinRows > 0 && count < t.MinRows {
		r.breach(VerdictFail, "min_rows", fmt.Sprint(t.MinRows), fmt.Sprint(count))
		return
	}
	if t.WarnMinRows > 0 && count < t.WarnMinRows {
		r.breach(VerdictWarn, "warn_min_rows", fmt.Sprint(t.WarnMinRows), fmt.Sprint(count))
	}
}

func checkStaleness(r *Report, rows []storage.Row, t models.Thresholds, asOf time.Time) {
	if (t.MaxStalenessDays <= 0 && t.WarnStalenessDays <= 0) || len(rows) == 0 {
		return
	}

	var latest time.Time
	for _, row := range rows {
		if raw, ok := row["ingested_at"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil && ts.After(latest) {
				latest = ts
			}
		}
	}
	if latest.IsZero() {
		return
	}

	days := int(asOf.Sub(latest).Hours() / 24)
	if t.MaxStalenessDays > 0 && days > t.MaxStalenessDays {
		r.breach(VerdictFail, "max_staleness_days", fmt.Sprint(t.MaxStalenessDays), fmt.Sprint(days))
		return
	}
	if t.WarnStalenessDays > 0 && days > t.WarnStalenessDays {
		r.breach(VerdictWarn, "warn_staleness_days", fmt.Sprint(t.WarnStalenessDays), fmt.Sprint(days))
	}
}

func checkNonNullRatio(r *Report, rows []storage.Row, t models.Thresholds) {
	if t.MinNonNullRatio <= 0 || len(rows) == 0 {
		return
	}

	for _, column := range t.KeyColumns {
		nonNull := 0
		for _, row := range rows {
			v, ok := row[column]
			if !ok || v == nil {
				continue
			}
			if s, isString := v.(string); isString && s == "" {
				continue
			}
			nonNull++
		}
		ratio := float64(nonNull) / float64(len(rows))
		if ratio < t.MinNonNullRatio {
			r.breach(VerdictFail,
				fmt.Sprintf("min_non_null_ratio[%s]", column),
				fmt.Sprintf("%.2f", t.MinNonNullRatio),
				fmt.Sprintf("%.2f", ratio))
		}
	}
}

// Worst folds table verdicts into a run verdict.
func Worst(verdicts ...Verdict) Verdict {
	worst := VerdictPass
	for _, v := range verdicts {
		switch {
		case v == VerdictFail:
			return VerdictFail
		case v == VerdictWarn && worst == VerdictPass:
			worst = VerdictWarn
		}
	}
	return worst
}
