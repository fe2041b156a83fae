package dimension

import (
	"context"
	"time"

	"civiclake/internal/storage"
	"civiclake/pkg/errors"
)

// Builder runs one dimension's detect-and-merge pass against the lake:
// read the silver batch past the watermark, join it to the current gold
// snapshot, merge, and rewrite the gold table wholesale.
type Builder struct {
	store    storage.ObjectStore
	schema   Schema
	detector *Detector
	merger   *Merger

	SilverKey string
	GoldKey   string
}

// BuildReport summarizes one build for quality gating and run statistics.
type BuildReport struct {
	Table       string
	Stats       DetectStats
	Merge       *MergeResult
	MaxObserved time.Time // candidate next watermark value
}

// NewBuilder wires a builder for one dimension schema.
func NewBuilder(store storage.ObjectStore, schema Schema, silverTable string) *Builder {
	return &Builder{
		store:     store,
		schema:    schema,
		detector:  NewDetector(schema),
		merger:    NewMerger(schema),
		SilverKey: storage.TableKey(storage.LayerSilver, silverTable),
		GoldKey:   storage.TableKey(storage.LayerGold, schema.Name),
	}
}

// Build executes the pass. since bounds the batch: only rows observed
// strictly after it participate. A missing gold table bootstraps empty; a
// missing silver table is a no-op.
func (b *Builder) Build(ctx context.Context, since time.Time) (*BuildReport, error) {
	report := &BuildReport{Table: b.schema.Name}

	current, err := b.loadCurrent(ctx)
	if err != nil {
		return nil, err
	}

	batch, err := b.loadBatch(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		report.Merge = &MergeResult{Rows: current, NoOp: true}
		return report, nil
	}

	for _, row := range batch {
		if rec, err := SourceFromRow(b.schema, row); err == nil && rec.ObservedAt.After(report.MaxObserved) {
			report.MaxObserved = rec.ObservedAt
		}
	}

	cs, stats := b.detector.DetectRows(CurrentRows(current), batch)
	report.Stats = stats

	merge, err := b.merger.Merge(current, cs)
	if err != nil {
		return nil, err
	}
	report.Merge = merge

	if merge.NoOp {
		return report, nil
	}

	rows := make([]storage.Row, 0, len(merge.Rows))
	for _, rec := range merge.Rows {
		rows = append(rows, RecordToRow(rec))
	}
	if err := storage.WriteRows(ctx, b.store, b.GoldKey, rows); err != nil {
		return nil, err
	}
	return report, nil
}

// loadCurrent reads the existing gold snapshot, bootstrapping an empty
// table on first run rather than failing.
func (b *Builder) loadCurrent(ctx context.Context) ([]Record, error) {
	rows, err := storage.ReadRows(ctx, b.store, b.GoldKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeSnapshotUnreadable, "Failed to read dimension snapshot").
			WithContext("table", b.schema.Name)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := RecordFromRow(b.schema, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// loadBatch reads the silver table and keeps rows observed after since.
func (b *Builder) loadBatch(ctx context.Context, since time.Time) ([]storage.Row, error) {
	rows, err := storage.ReadRows(ctx, b.store, b.SilverKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var batch []storage.Row
	for _, row := range rows {
		observed, err := parseDate(row[b.schema.ObservedAtField])
		if err != nil {
			// Malformed rows still reach the detector so the skip is
			// counted in run statistics.
			batch = append(batch, row)
			continue
		}
		if observed.After(since) {
			batch = append(batch, row)
		}
	}
	return batch, nil
}
