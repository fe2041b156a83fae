package dimension

import (
	"fmt"
	"sort"
	"time"

	"civiclake/pkg/errors"
)

// MergeResult describes one merge pass. Rows is the complete next-version
// table; it replaces the previous snapshot wholesale.
type MergeResult struct {
	Rows            []Record
	RowsWritten     int
	NewEntities     int
	ChangedEntities int
	NoOp            bool
}

// Merger builds the next-version dimension table from the current snapshot
// and a change-set. It owns no I/O; callers read and write snapshots.
type Merger struct {
	schema Schema
	now    func() time.Time
}

// NewMerger creates a merger for one dimension schema.
func NewMerger(schema Schema) *Merger {
	return &Merger{schema: schema, now: time.Now}
}

// Merge applies the change-set. An empty change-set short-circuits: the
// current rows pass through untouched with zero rows written, and the
// caller decides whether a no-op run advances the watermark.
func (m *Merger) Merge(current []Record, cs *ChangeSet) (*MergeResult, error) {
	if cs.Empty() {
		return &MergeResult{Rows: current, NoOp: true}, nil
	}

	nextKey := int64(1)
	for _, rec := range current {
		if rec.SurrogateKey >= nextKey {
			nextKey = rec.SurrogateKey + 1
		}
	}

	ingested := m.now().UTC()
	out := make([]Record, 0, len(current)+len(cs.Changes))

	// Carry-forward pass: every existing row is copied; rows whose natural
	// key changed are closed one day before the new version opens.
	for _, rec := range current {
		change, hit := cs.Changes[rec.NaturalKey]
		if hit && rec.IsCurrent && change.Kind == ChangeKindChanged {
			rec.ValidTo = change.ChangeDate.AddDate(0, 0, -1)
			rec.IsCurrent = false
		}
		out = append(out, rec)
	}

	// New-version pass: surrogate keys are assigned in natural-key
	// lexicographic order so output is reproducible across runs.
	result := &MergeResult{}
	for _, key := range cs.Keys() {
		change := cs.Changes[key]
		out = append(out, Record{
			SurrogateKey: nextKey,
			NaturalKey:   key,
			Attributes:   change.NewValues,
			ValidFrom:    change.ChangeDate,
			ValidTo:      MaxValidTo,
			IsCurrent:    true,
			IngestedAt:   ingested,
		})
		nextKey++

		switch change.Kind {
		case ChangeKindNew:
			result.NewEntities++
		case ChangeKindChanged:
			result.ChangedEntities++
		}
	}

	if err := ValidateInvariants(out); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMergeFailed, "Merge produced an invalid table").
			WithContext("table", m.schema.Name)
	}

	result.Rows = out
	result.RowsWritten = len(out)
	return result, nil
}

// ValidateInvariants checks the versioning contract on a full table: at most
// one current row per natural key, and non-overlapping validity intervals.
func ValidateInvariants(rows []Record) error {
	byKey := make(map[string][]Record)
	for _, rec := range rows {
		byKey[rec.NaturalKey] = append(byKey[rec.NaturalKey], rec)
	}

	for key, versions := range byKey {
		currents := 0
		for _, rec := range versions {
			if rec.IsCurrent {
				currents++
			}
		}
		if currents > 1 {
			return errors.New(errors.ErrCodeInvariantViolated,
				fmt.Sprintf("Natural key %q has %d current rows", key, currents))
		}

		sort.Slice(versions, func(i, j int) bool {
			return versions[i].ValidFrom.Before(versions[j].ValidFrom)
		})
		for i := 1; i < len(versions); i++ {
			if !versions[i].ValidFrom.After(versions[i-1].ValidTo) {
				return errors.New(errors.ErrCodeInvariantViolated,
					fmt.Sprintf("Natural key %q has overlapping validity intervals", key)).
					WithContext("valid_from", versions[i].ValidFrom.Format(DateFormat)).
					WithContext("prior_valid_to", versions[i-1].ValidTo.Format(DateFormat))
			}
		}
	}
	return nil
}

// CurrentRows filters a snapshot down to the is_current slice used by the
// detector join.
func CurrentRows(rows []Record) []Record {
	var current []Record
	for _, rec := range rows {
		if rec.IsCurrent {
			current = append(current, rec)
		}
	}
	return current
}
