package pipeline

import (
	"time"

	"civiclake/internal/queue"
	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

// Resource name prefixes. Per-source and per-table resources are suffixed
// with the config name, e.g. "check_updates:financial".
const (
	ResValidateInput   = "validate_input"
	ResCheckUpdates    = "check_updates"
	ResListPending     = "list_pending"
	ResExtractDocument = "extract_document"
	ResCommitBronze    = "commit_bronze"
	ResSilverTransform = "silver_transform"
	ResSilverQuality   = "validate_silver_quality"
	ResBuildDimension  = "build_dimension"
	ResBuildFact       = "build_fact"
	ResRunAggregate    = "run_aggregate"
	ResGoldQuality     = "validate_gold_quality"
	ResAdvanceMarks    = "advance_watermarks"
	ResPublishMetrics  = "publish_metrics"
	ResNotifyWarning   = "notify_quality_warning"
	ResNotifyQuality   = "notify_quality_failure"
	ResNotifyFailure   = "notify_pipeline_failure"
)

// Choice variables written by task handlers.
const (
	VarHasUpdates = "has_updates"
	VarVerdict    = "verdict"
)

// PendingItemsKey is the run-context key an ingestion Map state reads its
// document list from.
func PendingItemsKey(source string) string { return "pending:" + source }

func suffixed(resource, name string) string { return resource + ":" + name }

// DefaultTimeout bounds a whole execution when config does not say otherwise.
const DefaultTimeout = 2 * time.Hour

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

// BuildDefinition assembles the pipeline state machine from config:
// input validation, per-source update checks, short-circuit when nothing
// changed, bronze ingestion with bounded per-document fan-out, silver
// normalization, the silver gate, gold dimension/fact/aggregate builds, the
// gold gate, then metrics publish or failure notification. Every productive
// state catches into NotifyPipelineFailure so an uncaught error still ends
// at a terminal.
func BuildDefinition(cfg *models.Config) *Definition {
	retry := retryFromConfig(cfg.Pipeline)
	catchAll := []CatchClause{{ErrorEquals: []string{MatchAll}, Next: "NotifyPipelineFailure"}}

	maxConcurrency := cfg.Pipeline.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = queue.DefaultMaxConcurrency
	}

	timeout := DefaultTimeout
	if cfg.Pipeline.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Pipeline.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	def := &Definition{
		Comment:        "Incremental dimensional update over disclosure records",
		StartAt:        "ValidateInput",
		TimeoutSeconds: int(timeout / time.Second),
		States:         map[string]*State{},
	}

	def.States["ValidateInput"] = &State{
		Type:     StateTask,
		Resource: ResValidateInput,
		Next:     "CheckForUpdates",
		Catch:    catchAll,
	}

	checkBranches := make([]*Definition, 0, len(cfg.Sources))
	ingestBranches := make([]*Definition, 0, len(cfg.Sources))
	silverBranches := make([]*Definition, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		checkBranches = append(checkBranches, singleTask(
			"Check_"+src.Name, suffixed(ResCheckUpdates, src.Name), retry))
		ingestBranches = append(ingestBranches, ingestBranch(src, retry, maxConcurrency))
		silverBranches = append(silverBranches, singleTask(
			"Silver_"+src.Name, suffixed(ResSilverTransform, src.Name), retry))
	}

	def.States["CheckForUpdates"] = &State{
		Type:     StateParallel,
		Branches: checkBranches,
		Next:     "EvaluateUpdates",
		Retry:    retry,
		Catch:    catchAll,
	}

	def.States["EvaluateUpdates"] = &State{
		Type: StateChoice,
		Choices: []ChoiceRule{
			{Variable: VarHasUpdates, BooleanEquals: boolPtr(true), Next: "BronzeIngestion"},
		},
		Default: "NoUpdates",
	}
	def.States["NoUpdates"] = &State{Type: StateSucceed,
		Comment: "Nothing new since the watermarks; run ends without writes"}

	def.States["BronzeIngestion"] = &State{
		Type:     StateParallel,
		Branches: ingestBranches,
		Next:     "SilverTransformation",
		Catch:    catchAll,
	}

	def.States["SilverTransformation"] = &State{
		Type:     StateParallel,
		Branches: silverBranches,
		Next:     "ValidateSilverQuality",
		Catch:    catchAll,
	}

	def.States["ValidateSilverQuality"] = &State{
		Type:     StateTask,
		Resource: ResSilverQuality,
		Next:     "GoldDimensions",
		Retry:    retry,
		// A failed silver gate is a quality outcome, not an infrastructure
		// crash; it routes to the quality failure path.
		Catch: []CatchClause{
			{ErrorEquals: []string{string(errors.ErrCodeQualityFailed)}, Next: "NotifyQualityFailure"},
			{ErrorEquals: []string{MatchAll}, Next: "NotifyPipelineFailure"},
		},
	}

	dimBranches := make([]*Definition, 0, len(cfg.Dimensions))
	for _, dim := range cfg.Dimensions {
		dimBranches = append(dimBranches, singleTask(
			"Dim_"+dim.Name, suffixed(ResBuildDimension, dim.Name), retry))
	}
	def.States["GoldDimensions"] = &State{
		Type:     StateParallel,
		Branches: dimBranches,
		Next:     "GoldFacts",
		Catch:    catchAll,
	}

	factBranches := make([]*Definition, 0, len(cfg.Facts))
	for _, fact := range cfg.Facts {
		factBranches = append(factBranches, singleTask(
			"Fact_"+fact.Name, suffixed(ResBuildFact, fact.Name), retry))
	}
	def.States["GoldFacts"] = &State{
		Type:     StateParallel,
		Branches: factBranches,
		Next:     "GoldAggregates",
		Catch:    catchAll,
	}

	aggBranches := make([]*Definition, 0, len(cfg.Aggregates))
	for _, agg := range cfg.Aggregates {
		aggBranches = append(aggBranches, singleTask(
			"Agg_"+agg.Name, suffixed(ResRunAggregate, agg.Name), retry))
	}
	def.States["GoldAggregates"] = &State{
		Type:     StateParallel,
		Branches: aggBranches,
		Next:     "ValidateGoldQuality",
		Catch:    catchAll,
	}

	def.States["ValidateGoldQuality"] = &State{
		Type:     StateTask,
		Resource: ResGoldQuality,
		Next:     "EvaluateQuality",
		Retry:    retry,
		Catch:    catchAll,
	}

	def.States["EvaluateQuality"] = &State{
		Type: StateChoice,
		Choices: []ChoiceRule{
			{Variable: VarVerdict, StringEquals: strPtr("pass"), Next: "AdvanceWatermarks"},
			{Variable: VarVerdict, StringEquals: strPtr("warn"), Next: "NotifyQualityWarning"},
		},
		Default: "NotifyQualityFailure",
	}

	def.States["NotifyQualityWarning"] = &State{
		Type:     StateTask,
		Resource: ResNotifyWarning,
		Next:     "AdvanceWatermarks",
		Retry:    retry,
		Catch:    catchAll,
	}

	def.States["AdvanceWatermarks"] = &State{
		Type:     StateTask,
		Resource: ResAdvanceMarks,
		Next:     "PublishMetrics",
		Retry:    retry,
		Catch:    catchAll,
	}

	def.States["NotifyQualityFailure"] = &State{
		Type:     StateTask,
		Resource: ResNotifyQuality,
		Next:     "QualityCheckFailed",
		// A broken sink must not mask the gate result.
		Catch: []CatchClause{{ErrorEquals: []string{MatchAll}, Next: "QualityCheckFailed"}},
	}

	def.States["QualityCheckFailed"] = &State{
		Type:  StateFail,
		Error: string(errors.ErrCodeQualityFailed),
		Cause: "Quality gate failed; watermarks were not advanced",
	}

	def.States["PublishMetrics"] = &State{
		Type:     StateTask,
		Resource: ResPublishMetrics,
		Next:     "PipelineSuccess",
		Retry:    retry,
		Catch:    catchAll,
	}
	def.States["PipelineSuccess"] = &State{Type: StateSucceed}

	def.States["NotifyPipelineFailure"] = &State{
		Type:     StateTask,
		Resource: ResNotifyFailure,
		Next:     "PipelineFailed",
		Catch:    []CatchClause{{ErrorEquals: []string{MatchAll}, Next: "PipelineFailed"}},
	}
	def.States["PipelineFailed"] = &State{
		Type:  StateFail,
		Error: string(errors.ErrCodeStateFailed),
		Cause: "A pipeline state exhausted its retries",
	}

	return def
}

// ingestBranch is one source's bronze path: list pending documents, fan out
// extraction under the concurrency ceiling, then commit the landed rows.
func ingestBranch(src models.Source, retry []RetryPolicy, maxConcurrency int) *Definition {
	list := "ListPending_" + src.Name
	extract := "Extract_" + src.Name
	commit := "Commit_" + src.Name
	return &Definition{
		StartAt: list,
		States: map[string]*State{
			list: {
				Type:     StateTask,
				Resource: suffixed(ResListPending, src.Name),
				Retry:    retry,
				Next:     extract,
			},
			extract: {
				Type:           StateMap,
				Resource:       suffixed(ResExtractDocument, src.Name),
				ItemsFrom:      PendingItemsKey(src.Name),
				MaxConcurrency: maxConcurrency,
				Retry:          retry,
				Next:           commit,
			},
			commit: {
				Type:     StateTask,
				Resource: suffixed(ResCommitBronze, src.Name),
				Retry:    retry,
				End:      true,
			},
		},
	}
}

func singleTask(name, resource string, retry []RetryPolicy) *Definition {
	return &Definition{
		StartAt: name,
		States: map[string]*State{
			name: {Type: StateTask, Resource: resource, Retry: retry, End: true},
		},
	}
}

func retryFromConfig(p models.Pipeline) []RetryPolicy {
	attempts := p.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	interval := 2.0
	if p.InitialBackoff != "" {
		if d, err := time.ParseDuration(p.InitialBackoff); err == nil && d > 0 {
			interval = d.Seconds()
		}
	}
	rate := p.BackoffMultiplier
	if rate < 1.5 {
		rate = 2.0
	}
	return []RetryPolicy{{
		ErrorEquals:     []string{MatchAll},
		MaxAttempts:     attempts,
		IntervalSeconds: interval,
		BackoffRate:     rate,
	}}
}
