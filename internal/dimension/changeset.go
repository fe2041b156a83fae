package dimension

import (
	"sort"
	"strings"
	"time"

	"civiclake/internal/storage"
)

// ChangeKind classifies an entity in a change-set.
type ChangeKind string

const (
	ChangeKindNew     ChangeKind = "new"
	ChangeKindChanged ChangeKind = "changed"
)

// Change records one natural key's transition for the merge pass.
type Change struct {
	Kind       ChangeKind
	NaturalKey string
	OldValues  map[string]string
	NewValues  map[string]string
	ObservedAt time.Time
	ChangeDate time.Time
}

// ChangeSet is the run-scoped output of detection. It exists only to drive
// the merge and is discarded afterwards.
type ChangeSet struct {
	Changes map[string]Change
}

// Empty reports whether detection found nothing to merge.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Changes) == 0
}

// Keys returns the changed natural keys in lexicographic order, the stable
// order surrogate keys are assigned in.
func (cs *ChangeSet) Keys() []string {
	keys := make([]string, 0, len(cs.Changes))
	for k := range cs.Changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DetectStats summarizes one detection pass for run reporting.
type DetectStats struct {
	Incoming        int
	NewEntities     int
	ChangedEntities int
	Unchanged       int
	Skipped         int
}

// Detector joins a new source batch against the current dimension snapshot
// and classifies each natural key as new, changed, or unchanged.
type Detector struct {
	schema Schema
}

// NewDetector creates a detector for one dimension schema.
func NewDetector(schema Schema) *Detector {
	return &Detector{schema: schema}
}

// DetectRows runs detection over untyped silver rows, applying the
// validation boundary first. Malformed rows are skipped and counted.
func (d *Detector) DetectRows(current []Record, rows []storage.Row) (*ChangeSet, DetectStats) {
	incoming := make([]SourceRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		rec, err := SourceFromRow(d.schema, row)
		if err != nil {
			skipped++
			continue
		}
		incoming = append(incoming, rec)
	}

	cs, stats := d.Detect(current, incoming)
	stats.Incoming = len(rows)
	stats.Skipped = skipped
	return cs, stats
}

// Detect classifies typed source records against the current snapshot.
// Only rows with IsCurrent participate in the join; absence of new data for
// an existing key is not itself a change.
func (d *Detector) Detect(current []Record, incoming []SourceRecord) (*ChangeSet, DetectStats) {
	stats := DetectStats{Incoming: len(incoming)}

	currentByKey := make(map[string]Record, len(current))
	for _, rec := range current {
		if rec.IsCurrent {
			currentByKey[rec.NaturalKey] = rec
		}
	}

	cs := &ChangeSet{Changes: make(map[string]Change)}
	for key, rec := range dedupe(incoming) {
		existing, ok := currentByKey[key]
		if !ok {
			cs.Changes[key] = Change{
				Kind:       ChangeKindNew,
				NaturalKey: key,
				NewValues:  rec.Attributes,
				ObservedAt: rec.ObservedAt,
				ChangeDate: rec.ObservedAt,
			}
			stats.NewEntities++
			continue
		}

		if d.trackedEqual(existing.Attributes, rec.Attributes) {
			stats.Unchanged++
			continue
		}

		cs.Changes[key] = Change{
			Kind:       ChangeKindChanged,
			NaturalKey: key,
			OldValues:  existing.Attributes,
			NewValues:  rec.Attributes,
			ObservedAt: rec.ObservedAt,
			ChangeDate: rec.ObservedAt,
		}
		stats.ChangedEntities++
	}

	return cs, stats
}

// trackedEqual compares only the schema's tracked attributes. Values were
// null-normalized at the validation boundary, so exact string equality is
// the whole comparison.
func (d *Detector) trackedEqual(old, new map[string]string) bool {
	for _, field := range d.schema.TrackedAttributes {
		if old[field] != new[field] {
			return false
		}
	}
	return true
}

// dedupe collapses multiple batch records per natural key to one. The
// tie-break is documented, not ambiguous: latest observation date wins, and
// on an exact date tie the record with the greater attribute fingerprint.
func dedupe(incoming []SourceRecord) map[string]SourceRecord {
	byKey := make(map[string]SourceRecord)
	for _, rec := range incoming {
		prev, ok := byKey[rec.NaturalKey]
		if !ok {
			byKey[rec.NaturalKey] = rec
			continue
		}
		if rec.ObservedAt.After(prev.ObservedAt) {
			byKey[rec.NaturalKey] = rec
		} else if rec.ObservedAt.Equal(prev.ObservedAt) && fingerprint(rec.Attributes) > fingerprint(prev.Attributes) {
			byKey[rec.NaturalKey] = rec
		}
	}
	return byKey
}

func fingerprint(attrs map[string]string) string {
	fields := make([]string, 0, len(attrs))
	for field := range attrs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, field := range fields {
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(attrs[field])
		b.WriteByte(';')
	}
	return b.String()
}
