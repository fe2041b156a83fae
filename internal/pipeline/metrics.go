package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"civiclake/internal/quality"
	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

// MetricsPublisher pushes per-run gauges to a Prometheus Pushgateway.
// Batch runs are too short-lived to scrape, so publish happens once at the
// end of a successful run.
type MetricsPublisher struct {
	url string
	job string
}

func NewMetricsPublisher(cfg models.Metrics) *MetricsPublisher {
	job := cfg.JobName
	if job == "" {
		job = "civiclake"
	}
	return &MetricsPublisher{url: cfg.PushgatewayURL, job: job}
}

// Enabled reports whether a gateway is configured. An unset URL disables
// publishing without failing the run.
func (p *MetricsPublisher) Enabled() bool { return p.url != "" }

// Publish pushes one grouping per table so successive runs overwrite their
// own series.
func (p *MetricsPublisher) Publish(report *RunReport) error {
	if !p.Enabled() {
		return nil
	}

	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "civiclake_run_duration_seconds",
		Help: "Wall-clock duration of the last pipeline run.",
	})
	duration.Set(report.Duration.Seconds())

	rowsNew := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "civiclake_rows_new",
		Help: "New entities inserted by the last merge pass.",
	}, []string{"table"})
	rowsChanged := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "civiclake_rows_changed",
		Help: "Changed entities versioned by the last merge pass.",
	}, []string{"table"})
	rowsSkipped := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "civiclake_rows_skipped",
		Help: "Malformed records skipped by the last merge pass.",
	}, []string{"table"})

	pusher := push.New(p.url, p.job).
		Grouping("run_id", report.RunID).
		Collector(duration).
		Collector(rowsNew).Collector(rowsChanged).Collector(rowsSkipped)

	for _, table := range report.Tables {
		rowsNew.WithLabelValues(table.Table).Set(float64(table.Stats.NewEntities))
		rowsChanged.WithLabelValues(table.Table).Set(float64(table.Stats.ChangedEntities))
		rowsSkipped.WithLabelValues(table.Table).Set(float64(table.Stats.Skipped))
	}

	verdict := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "civiclake_quality_verdict",
		Help: "Quality gate outcome of the last run: 0 pass, 1 warn, 2 fail.",
	}, []string{"verdict"})
	verdict.WithLabelValues(string(report.Verdict)).Set(verdictValue(report.Verdict))
	pusher.Collector(verdict)

	if err := pusher.Push(); err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "Failed to push run metrics").
			WithContext("gateway", p.url).
			AsRecoverable()
	}
	return nil
}

func verdictValue(v quality.Verdict) float64 {
	switch v {
	case quality.VerdictWarn:
		return 1
	case quality.VerdictFail:
		return 2
	default:
		return 0
	}
}
