package notify

import (
	"context"
	"time"

	"civiclake/internal/quality"
)

// Payload is the structured quality notification sent on warn and fail.
type Payload struct {
	RunID              string    `json:"run_id"`
	Table              string    `json:"table"`
	Verdict            string    `json:"verdict"`
	ThresholdsBreached []string  `json:"thresholds_breached"`
	Error              string    `json:"error,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// FromReport builds the payload for one gated table.
func FromReport(runID string, report *quality.Report) Payload {
	return Payload{
		RunID:              runID,
		Table:              report.Table,
		Verdict:            string(report.Verdict),
		ThresholdsBreached: report.BreachedThresholds(),
		Timestamp:          time.Now().UTC(),
	}
}

// Notifier delivers quality payloads to a pub/sub endpoint.
type Notifier interface {
	Notify(ctx context.Context, payload Payload) error
}

// Multi fans one payload out to several sinks. Delivery failures do not
// fail the run; the first error is returned for logging only.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, payload Payload) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Noop is the sink used when no notification endpoint is configured.
type Noop struct{}

func (Noop) Notify(ctx context.Context, payload Payload) error { return nil }
