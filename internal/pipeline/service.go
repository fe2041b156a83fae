package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"civiclake/internal/dimension"
	"civiclake/internal/engine"
	"civiclake/internal/notify"
	"civiclake/internal/observability"
	"civiclake/internal/quality"
	"civiclake/internal/queue"
	"civiclake/internal/storage"
	"civiclake/internal/watermark"
	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

// Service owns one pipeline run end to end: it builds the state-machine
// definition from config, registers the task handlers against the concrete
// stores and engines, and executes.
type Service struct {
	cfg      *models.Config
	store    storage.ObjectStore
	marks    watermark.Store
	notifier notify.Notifier
	engine   *engine.Engine
	metrics  *MetricsPublisher
	log      *observability.Logger
	now      func() time.Time
}

func NewService(cfg *models.Config, store storage.ObjectStore, marks watermark.Store,
	notifier notify.Notifier, eng *engine.Engine, metrics *MetricsPublisher,
	log *observability.Logger) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if metrics == nil {
		metrics = NewMetricsPublisher(models.Metrics{})
	}
	if log == nil {
		log = observability.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		marks:    marks,
		notifier: notifier,
		engine:   eng,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// runState accumulates per-run results across handlers. Parallel branches
// write through the mutex.
type runState struct {
	opts    RunOptions
	started time.Time
	store   storage.ObjectStore

	mu        sync.Mutex
	extracted map[string][]storage.Row // source name -> landed rows
	dims      map[string]*dimension.BuildReport
	factRows  map[string]int
	aggRows   map[string]int
	gates     map[string]*quality.Report
	advanced  []AdvancedMark
	verdict   quality.Verdict
	failure   error
}

func (st *runState) recordGate(report *quality.Report) {
	st.mu.Lock()
	st.gates[report.Table] = report
	st.mu.Unlock()
}

func (st *runState) appendExtracted(source string, rows []storage.Row) {
	st.mu.Lock()
	st.extracted[source] = append(st.extracted[source], rows...)
	st.mu.Unlock()
}

// Run executes one pipeline pass. The returned report is populated even
// when err is non-nil: a quality failure or a state failure still carries
// the per-table statistics accumulated before the terminal.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	cfg, err := s.scopedConfig(opts.Table)
	if err != nil {
		return nil, err
	}

	store := s.store
	if opts.DryRun {
		store = storage.NewOverlay(s.store)
	}

	state := &runState{
		opts:      opts,
		started:   s.now(),
		store:     store,
		extracted: make(map[string][]storage.Row),
		dims:      make(map[string]*dimension.BuildReport),
		factRows:  make(map[string]int),
		aggRows:   make(map[string]int),
		gates:     make(map[string]*quality.Report),
		verdict:   quality.VerdictPass,
	}

	runID := uuid.NewString()
	rc := NewRunContext(runID)
	rc.Set(VarHasUpdates, false)

	exec := NewExecutor(s.log)
	s.register(exec, cfg, state)

	def := BuildDefinition(cfg)
	result, execErr := exec.Execute(ctx, def, rc)

	report := s.buildReport(runID, state, result, execErr)
	s.log.WithRunID(runID).WithFields(map[string]interface{}{
		"terminal": report.Terminal,
		"verdict":  string(report.Verdict),
		"duration": report.Duration.String(),
		"dry_run":  report.DryRun,
	}).Info("Pipeline run finished")
	return report, execErr
}

// Definition exposes the machine this service would run, for export.
func (s *Service) Definition(table string) (*Definition, error) {
	cfg, err := s.scopedConfig(table)
	if err != nil {
		return nil, err
	}
	return BuildDefinition(cfg), nil
}

// scopedConfig narrows the config to one gold table and the sources feeding
// it. An empty table keeps everything.
func (s *Service) scopedConfig(table string) (*models.Config, error) {
	if table == "" {
		return s.cfg, nil
	}

	scoped := *s.cfg
	scoped.Dimensions = nil
	scoped.Facts = nil
	scoped.Aggregates = nil

	silverTables := make(map[string]bool)
	for _, dim := range s.cfg.Dimensions {
		if dim.Name == table {
			scoped.Dimensions = append(scoped.Dimensions, dim)
			silverTables[dim.Source] = true
		}
	}
	for _, fact := range s.cfg.Facts {
		if fact.Name == table {
			scoped.Facts = append(scoped.Facts, fact)
			silverTables[fact.Source] = true
		}
	}
	if len(scoped.Dimensions) == 0 && len(scoped.Facts) == 0 {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("No dimension or fact named %q is configured", table)).
			WithSuggestions("Check table names with: civiclake watermark list")
	}

	scoped.Sources = nil
	for _, src := range s.cfg.Sources {
		if silverTables[src.SilverTable] {
			scoped.Sources = append(scoped.Sources, src)
		}
	}
	return &scoped, nil
}

func (s *Service) register(exec *Executor, cfg *models.Config, state *runState) {
	record := func(h TaskHandler) TaskHandler {
		return func(ctx context.Context, rc *RunContext) error {
			err := h(ctx, rc)
			if err != nil {
				state.mu.Lock()
				state.failure = err
				state.mu.Unlock()
			}
			return err
		}
	}

	exec.RegisterTask(ResValidateInput, record(s.validateInput(cfg)))
	for _, src := range cfg.Sources {
		src := src
		exec.RegisterTask(suffixed(ResCheckUpdates, src.Name), record(s.checkUpdates(cfg, src, state)))
		exec.RegisterTask(suffixed(ResListPending, src.Name), record(s.listPending(src, state)))
		exec.RegisterItems(suffixed(ResExtractDocument, src.Name), s.extractDocument(src, state))
		exec.RegisterTask(suffixed(ResCommitBronze, src.Name), record(s.commitBronze(src, state)))
		exec.RegisterTask(suffixed(ResSilverTransform, src.Name), record(s.silverTransform(src, state)))
	}
	exec.RegisterTask(ResSilverQuality, record(s.validateSilverQuality(cfg, state)))
	for _, dim := range cfg.Dimensions {
		dim := dim
		exec.RegisterTask(suffixed(ResBuildDimension, dim.Name), record(s.buildDimension(cfg, dim, state)))
	}
	for _, fact := range cfg.Facts {
		fact := fact
		exec.RegisterTask(suffixed(ResBuildFact, fact.Name), record(s.buildFact(fact, state)))
	}
	for _, agg := range cfg.Aggregates {
		agg := agg
		exec.RegisterTask(suffixed(ResRunAggregate, agg.Name), record(s.runAggregate(cfg, agg, state)))
	}
	exec.RegisterTask(ResGoldQuality, record(s.validateGoldQuality(cfg, state)))
	exec.RegisterTask(ResAdvanceMarks, record(s.advanceWatermarks(cfg, state)))
	exec.RegisterTask(ResPublishMetrics, record(s.publishMetrics(state)))
	exec.RegisterTask(ResNotifyWarning, s.notifyQuality(state, quality.VerdictWarn))
	exec.RegisterTask(ResNotifyQuality, s.notifyQuality(state, quality.VerdictFail))
	exec.RegisterTask(ResNotifyFailure, s.notifyPipelineFailure(state))
}

// validateInput fails fast on config contradictions before any I/O.
func (s *Service) validateInput(cfg *models.Config) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		silver := make(map[string]bool, len(cfg.Sources))
		for _, src := range cfg.Sources {
			if src.Name == "" || src.SilverTable == "" {
				return errors.New(errors.ErrCodeConfigInvalid,
					"Every source needs a name and a silver table")
			}
			silver[src.SilverTable] = true
		}
		for _, dim := range cfg.Dimensions {
			if dim.NaturalKey == "" || dim.ObservedAtField == "" {
				return errors.New(errors.ErrCodeConfigInvalid,
					fmt.Sprintf("Dimension %q needs a natural key and an observed-at field", dim.Name))
			}
			if !silver[dim.Source] {
				return errors.New(errors.ErrCodeConfigInvalid,
					fmt.Sprintf("Dimension %q builds from unknown silver table %q", dim.Name, dim.Source))
			}
		}
		for _, fact := range cfg.Facts {
			if !silver[fact.Source] {
				return errors.New(errors.ErrCodeConfigInvalid,
					fmt.Sprintf("Fact %q builds from unknown silver table %q", fact.Name, fact.Source))
			}
		}
		return nil
	}
}

// checkUpdates decides whether a source has anything new: pending incoming
// documents, or silver rows observed past the dimension watermarks. A full
// rebuild always counts as having updates when any silver data exists.
func (s *Service) checkUpdates(cfg *models.Config, src models.Source, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		if src.IncomingPrefix != "" {
			infos, err := state.store.List(ctx, src.IncomingPrefix)
			if err != nil {
				return err
			}
			if len(infos) > 0 {
				rc.Set(VarHasUpdates, true)
				return nil
			}
		}

		rows, err := storage.ReadRows(ctx, state.store, storage.TableKey(storage.LayerSilver, src.SilverTable))
		if err != nil {
			if storage.IsNotFound(err) {
				return nil
			}
			return err
		}
		if state.opts.FullRebuild && len(rows) > 0 {
			rc.Set(VarHasUpdates, true)
			return nil
		}

		for _, dim := range cfg.Dimensions {
			if dim.Source != src.SilverTable {
				continue
			}
			since := watermark.Resolve(ctx, s.marks, dim.Name, src.WatermarkType)
			for _, row := range rows {
				observed, err := time.Parse(dimension.DateFormat, dimension.NormalizeValue(row[dim.ObservedAtField]))
				if err == nil && observed.After(since) {
					rc.Set(VarHasUpdates, true)
					return nil
				}
			}
		}
		return nil
	}
}

// listPending stages the source's incoming documents for the Map fan-out.
func (s *Service) listPending(src models.Source, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		if src.IncomingPrefix == "" {
			return nil
		}
		infos, err := state.store.List(ctx, src.IncomingPrefix)
		if err != nil {
			return err
		}
		items := make([]queue.Item, 0, len(infos))
		for _, info := range infos {
			items = append(items, queue.Item{ID: info.Key, Key: info.Key})
		}
		rc.SetItems(PendingItemsKey(src.Name), items)
		return nil
	}
}

// extractDocument parses one pending snapshot into rows. Documents are
// independent; a malformed one fails alone and is retried alone.
func (s *Service) extractDocument(src models.Source, state *runState) ItemHandler {
	return func(ctx context.Context, rc *RunContext, item queue.Item) error {
		rows, err := storage.ReadRows(ctx, state.store, item.Key)
		if err != nil {
			return err
		}
		state.appendExtracted(src.Name, rows)
		return nil
	}
}

// commitBronze lands the extracted rows in the source's bronze table,
// deduplicated against what is already there so re-ingesting a document is
// idempotent.
func (s *Service) commitBronze(src models.Source, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		state.mu.Lock()
		incoming := state.extracted[src.Name]
		state.mu.Unlock()
		if len(incoming) == 0 {
			return nil
		}

		key := storage.TableKey(storage.LayerBronze, src.BronzeTable)
		existing, err := storage.ReadRows(ctx, state.store, key)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}

		seen := make(map[string]bool, len(existing))
		merged := make([]storage.Row, 0, len(existing)+len(incoming))
		for _, row := range existing {
			seen[rowFingerprint(row)] = true
			merged = append(merged, row)
		}
		for _, row := range incoming {
			fp := rowFingerprint(row)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			merged = append(merged, row)
		}

		if len(merged) == len(existing) {
			return nil
		}
		return storage.WriteRows(ctx, state.store, key, merged)
	}
}

// silverTransform normalizes the bronze table into silver: values reduced
// to their canonical comparison form, nulls preserved.
func (s *Service) silverTransform(src models.Source, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		bronzeKey := storage.TableKey(storage.LayerBronze, src.BronzeTable)
		rows, err := storage.ReadRows(ctx, state.store, bronzeKey)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil
			}
			return err
		}

		normalized := make([]storage.Row, 0, len(rows))
		for _, row := range rows {
			out := make(storage.Row, len(row))
			for field, value := range row {
				if value == nil {
					out[field] = nil
					continue
				}
				out[field] = dimension.NormalizeValue(value)
			}
			normalized = append(normalized, out)
		}

		silverKey := storage.TableKey(storage.LayerSilver, src.SilverTable)
		return storage.WriteRows(ctx, state.store, silverKey, normalized)
	}
}

// validateSilverQuality gates every silver table feeding a configured
// dimension, using that dimension's thresholds. A fail here stops the run
// before any gold write.
func (s *Service) validateSilverQuality(cfg *models.Config, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		asOf := s.now()
		worst := quality.VerdictPass
		for _, dim := range cfg.Dimensions {
			rows, err := storage.ReadRows(ctx, state.store, storage.TableKey(storage.LayerSilver, dim.Source))
			if err != nil && !storage.IsNotFound(err) {
				return err
			}
			report := quality.Evaluate(dim.Source, rows, dim.Quality, asOf)
			state.recordGate(report)
			worst = quality.Worst(worst, report.Verdict)
		}
		if worst == quality.VerdictFail {
			state.mu.Lock()
			state.verdict = quality.VerdictFail
			state.mu.Unlock()
			rc.Set(VarVerdict, string(quality.VerdictFail))
			return errors.QualityError("silver", breachedTables(state))
		}
		return nil
	}
}

func (s *Service) buildDimension(cfg *models.Config, dim models.Dimension, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		schema := dimension.Schema{
			Name:              dim.Name,
			NaturalKey:        dim.NaturalKey,
			TrackedAttributes: dim.TrackedAttributes,
			ObservedAtField:   dim.ObservedAtField,
		}

		since := watermark.Epoch
		if !state.opts.FullRebuild {
			since = watermark.Resolve(ctx, s.marks, dim.Name, watermarkKind(cfg, dim))
		}

		builder := dimension.NewBuilder(state.store, schema, dim.Source)
		report, err := builder.Build(ctx, since)
		if err != nil {
			return err
		}

		state.mu.Lock()
		state.dims[dim.Name] = report
		state.mu.Unlock()
		return nil
	}
}

// buildFact rewrites the gold fact table from its silver source, stamping
// each row with the ingestion date the staleness gate reads.
func (s *Service) buildFact(fact models.Fact, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		rows, err := storage.ReadRows(ctx, state.store, storage.TableKey(storage.LayerSilver, fact.Source))
		if err != nil {
			if storage.IsNotFound(err) {
				return nil
			}
			return err
		}

		ingested := s.now().Format(time.RFC3339)
		out := make([]storage.Row, 0, len(rows))
		for _, row := range rows {
			stamped := make(storage.Row, len(row)+1)
			for field, value := range row {
				stamped[field] = value
			}
			stamped["ingested_at"] = ingested
			out = append(out, stamped)
		}

		if err := storage.WriteRows(ctx, state.store, storage.TableKey(storage.LayerGold, fact.Name), out); err != nil {
			return err
		}
		state.mu.Lock()
		state.factRows[fact.Name] = len(out)
		state.mu.Unlock()
		return nil
	}
}

// runAggregate computes one gold aggregate on the analytic engine, reading
// the gold tables in place. Skipped when no engine is wired or the store
// cannot be addressed by URI (a dry-run overlay, for instance).
func (s *Service) runAggregate(cfg *models.Config, agg models.Aggregate, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		locator, ok := state.store.(storage.Locator)
		if s.engine == nil || !ok {
			s.log.WithField("aggregate", agg.Name).Warn("Analytic engine unavailable, skipping aggregate")
			return nil
		}

		views := make(map[string]string, len(cfg.Dimensions)+len(cfg.Facts))
		for _, dim := range cfg.Dimensions {
			views[dim.Name] = locator.Location(storage.TableKey(storage.LayerGold, dim.Name))
		}
		for _, fact := range cfg.Facts {
			views[fact.Name] = locator.Location(storage.TableKey(storage.LayerGold, fact.Name))
		}

		rows, err := s.engine.Run(ctx, views, agg.SQL)
		if err != nil {
			return err
		}
		if err := storage.WriteRows(ctx, state.store, storage.TableKey(storage.LayerGold, agg.Name), rows); err != nil {
			return err
		}
		state.mu.Lock()
		state.aggRows[agg.Name] = len(rows)
		state.mu.Unlock()
		return nil
	}
}

// validateGoldQuality gates every gold output and folds the verdicts into
// the run verdict the EvaluateQuality choice routes on. The gate itself
// never errors on a breach; routing is the choice state's job.
func (s *Service) validateGoldQuality(cfg *models.Config, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		asOf := s.now()
		worst := quality.VerdictPass

		gate := func(table string, thresholds models.Thresholds) error {
			rows, err := storage.ReadRows(ctx, state.store, storage.TableKey(storage.LayerGold, table))
			if err != nil && !storage.IsNotFound(err) {
				return err
			}
			report := quality.Evaluate(table, rows, thresholds, asOf)
			state.recordGate(report)
			worst = quality.Worst(worst, report.Verdict)
			return nil
		}

		for _, dim := range cfg.Dimensions {
			if err := gate(dim.Name, dim.Quality); err != nil {
				return err
			}
		}
		for _, fact := range cfg.Facts {
			if err := gate(fact.Name, fact.Quality); err != nil {
				return err
			}
		}

		state.mu.Lock()
		state.verdict = worst
		state.mu.Unlock()
		rc.Set(VarVerdict, string(worst))
		return nil
	}
}

// advanceWatermarks commits the new high-water marks after the gate passed.
// Dry runs advance nothing.
func (s *Service) advanceWatermarks(cfg *models.Config, state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		if state.opts.DryRun {
			return nil
		}
		for _, dim := range cfg.Dimensions {
			state.mu.Lock()
			report := state.dims[dim.Name]
			state.mu.Unlock()
			if report == nil || report.MaxObserved.IsZero() || report.Merge == nil || report.Merge.NoOp {
				continue
			}
			kind := watermarkKind(cfg, dim)
			rows := int64(report.Stats.Incoming - report.Stats.Skipped)
			if err := s.marks.Put(ctx, dim.Name, kind, report.MaxObserved, rows); err != nil {
				return err
			}
			state.mu.Lock()
			state.advanced = append(state.advanced, AdvancedMark{
				Table: dim.Name, Kind: kind, Value: report.MaxObserved, Rows: rows,
			})
			state.mu.Unlock()
		}
		return nil
	}
}

func (s *Service) publishMetrics(state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		if !s.metrics.Enabled() {
			return nil
		}
		report := s.buildReport(rc.RunID, state, nil, nil)
		return s.metrics.Publish(report)
	}
}

// notifyQuality sends one payload per breached table at the given level.
func (s *Service) notifyQuality(state *runState, level quality.Verdict) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		state.mu.Lock()
		reports := make([]*quality.Report, 0, len(state.gates))
		for _, report := range state.gates {
			if report.Verdict == level {
				reports = append(reports, report)
			}
		}
		state.mu.Unlock()
		sort.Slice(reports, func(i, j int) bool { return reports[i].Table < reports[j].Table })

		for _, report := range reports {
			if err := s.notifier.Notify(ctx, notify.FromReport(rc.RunID, report)); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *Service) notifyPipelineFailure(state *runState) TaskHandler {
	return func(ctx context.Context, rc *RunContext) error {
		state.mu.Lock()
		failure := state.failure
		state.mu.Unlock()

		payload := notify.Payload{
			RunID:     rc.RunID,
			Table:     "pipeline",
			Verdict:   string(quality.VerdictFail),
			Timestamp: s.now(),
		}
		if failure != nil {
			payload.Error = failure.Error()
		}
		return s.notifier.Notify(ctx, payload)
	}
}

func (s *Service) buildReport(runID string, state *runState, exec *Execution, execErr error) *RunReport {
	state.mu.Lock()
	defer state.mu.Unlock()

	report := &RunReport{
		RunID:      runID,
		StartedAt:  state.started,
		Duration:   s.now().Sub(state.started),
		Verdict:    state.verdict,
		Aggregates: state.aggRows,
		Advanced:   state.advanced,
		DryRun:     state.opts.DryRun,
	}
	if exec != nil {
		report.Terminal = exec.Terminal
	}
	if execErr != nil {
		report.Err = execErr.Error()
	}

	names := make([]string, 0, len(state.dims))
	for name := range state.dims {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dim := state.dims[name]
		table := TableReport{
			Table:       name,
			Stats:       dim.Stats,
			MaxObserved: dim.MaxObserved,
		}
		if dim.Merge != nil {
			table.RowsTotal = len(dim.Merge.Rows)
			table.NoOp = dim.Merge.NoOp
		}
		if gate, ok := state.gates[name]; ok {
			table.Verdict = gate.Verdict
			table.Breaches = gate.BreachedThresholds()
		}
		report.Tables = append(report.Tables, table)
	}

	factNames := make([]string, 0, len(state.factRows))
	for name := range state.factRows {
		factNames = append(factNames, name)
	}
	sort.Strings(factNames)
	for _, name := range factNames {
		table := TableReport{Table: name, RowsTotal: state.factRows[name]}
		if gate, ok := state.gates[name]; ok {
			table.Verdict = gate.Verdict
			table.Breaches = gate.BreachedThresholds()
		}
		report.Tables = append(report.Tables, table)
	}
	return report
}

// watermarkKind maps a dimension to the watermark type of the source
// feeding it, defaulting to the observed-at field name.
func watermarkKind(cfg *models.Config, dim models.Dimension) string {
	for _, src := range cfg.Sources {
		if src.SilverTable == dim.Source && src.WatermarkType != "" {
			return src.WatermarkType
		}
	}
	return dim.ObservedAtField
}

func breachedTables(state *runState) []string {
	state.mu.Lock()
	defer state.mu.Unlock()
	var out []string
	for name, report := range state.gates {
		if report.Verdict == quality.VerdictFail {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func rowFingerprint(row storage.Row) string {
	// Map marshaling sorts keys, so identical rows fingerprint identically.
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Sprintf("%v", row)
	}
	return string(b)
}
