package pipeline

import (
	"time"

	"civiclake/internal/dimension"
	"civiclake/internal/quality"
)

// RunOptions selects what a single pipeline invocation covers.
type RunOptions struct {
	// Table limits the run to one gold table (dimension or fact) and the
	// source feeding it. Empty runs everything.
	Table string

	// FullRebuild bounds this run at the epoch instead of the stored
	// watermarks. The stored watermarks are not modified up front; they
	// advance normally if the run passes quality.
	FullRebuild bool

	// DryRun computes and gates every layer against a copy-on-write overlay
	// of the lake. Nothing is persisted and no watermark advances.
	DryRun bool
}

// TableReport is the per-table slice of a run report.
type TableReport struct {
	Table       string
	Stats       dimension.DetectStats
	RowsTotal   int
	NoOp        bool
	MaxObserved time.Time
	Verdict     quality.Verdict
	Breaches    []string
}

// AdvancedMark records one watermark advancement.
type AdvancedMark struct {
	Table string
	Kind  string
	Value time.Time
	Rows  int64
}

// RunReport is the user-facing outcome of one pipeline run.
type RunReport struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration

	// Terminal is the state the machine ended in: PipelineSuccess,
	// NoUpdates, QualityCheckFailed, or PipelineFailed.
	Terminal string
	Verdict  quality.Verdict

	Tables     []TableReport
	Aggregates map[string]int // aggregate name -> result rows
	Advanced   []AdvancedMark
	DryRun     bool
	Err        string
}

// Succeeded reports whether the run reached a success terminal.
func (r *RunReport) Succeeded() bool {
	return r.Terminal == "PipelineSuccess" || r.Terminal == "NoUpdates"
}
