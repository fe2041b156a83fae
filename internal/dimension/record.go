package dimension

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"civiclake/internal/storage"
	"civiclake/pkg/errors"
)

// MaxValidTo is the open-ended validity sentinel for current rows.
var MaxValidTo = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// DateFormat is the civil-date layout used for validity intervals and
// observation dates in table snapshots.
const DateFormat = "2006-01-02"

// Schema describes one SCD Type 2 dimension: which source field is the
// natural key, which attributes are change-tracked, and where the source
// observation date lives.
type Schema struct {
	Name              string
	NaturalKey        string
	TrackedAttributes []string
	ObservedAtField   string
}

// Record is one versioned dimension row. Attributes holds both tracked and
// non-tracked fields; Schema.TrackedAttributes decides which participate in
// change detection.
type Record struct {
	SurrogateKey int64
	NaturalKey   string
	Attributes   map[string]string
	ValidFrom    time.Time
	ValidTo      time.Time
	IsCurrent    bool
	IngestedAt   time.Time
}

// SourceRecord is one normalized silver row after the validation boundary:
// typed, null-normalized, with a resolved observation date.
type SourceRecord struct {
	NaturalKey string
	Attributes map[string]string
	ObservedAt time.Time
}

// Reserved row fields that never count as dimension attributes.
var reservedFields = map[string]bool{
	"surrogate_key": true,
	"natural_key":   true,
	"valid_from":    true,
	"valid_to":      true,
	"is_current":    true,
	"ingested_at":   true,
}

// normalizeValue converts an untyped JSON value to the canonical string
// form used for attribute comparison. Nulls normalize to the empty string.
func normalizeValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers arrive as float64; keep integers integral.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []interface{}:
		// Set-valued attributes (committee memberships) compare as a
		// sorted, comma-joined set.
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, normalizeValue(item))
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// NormalizeValue is the canonical string form for callers normalizing rows
// before they land in silver, so silver and gold compare values the same way.
func NormalizeValue(v interface{}) string {
	return normalizeValue(v)
}

// SourceFromRow is the validation boundary converting an untyped silver row
// into a typed SourceRecord. A missing or empty natural key is a contract
// violation: the record is skipped and counted, never fatal to the batch.
func SourceFromRow(schema Schema, row storage.Row) (SourceRecord, error) {
	key := normalizeValue(row[schema.NaturalKey])
	if key == "" {
		return SourceRecord{}, errors.MalformedRecordError(schema.Name,
			fmt.Sprintf("missing natural key field %q", schema.NaturalKey))
	}

	observed, err := parseDate(row[schema.ObservedAtField])
	if err != nil {
		return SourceRecord{}, errors.MalformedRecordError(schema.Name,
			fmt.Sprintf("bad observation date in field %q: %v", schema.ObservedAtField, err))
	}

	attrs := make(map[string]string)
	for field, value := range row {
		if field == schema.NaturalKey || field == schema.ObservedAtField || reservedFields[field] {
			continue
		}
		attrs[field] = normalizeValue(value)
	}

	return SourceRecord{NaturalKey: key, Attributes: attrs, ObservedAt: observed}, nil
}

// RecordToRow flattens a Record into an untyped table row for the JSONL
// snapshot. Attribute fields sit alongside the versioning columns.
func RecordToRow(rec Record) storage.Row {
	row := storage.Row{
		"surrogate_key": rec.SurrogateKey,
		"natural_key":   rec.NaturalKey,
		"valid_from":    rec.ValidFrom.Format(DateFormat),
		"valid_to":      rec.ValidTo.Format(DateFormat),
		"is_current":    rec.IsCurrent,
		"ingested_at":   rec.IngestedAt.UTC().Format(time.RFC3339),
	}
	for field, value := range rec.Attributes {
		row[field] = value
	}
	return row
}

// RecordFromRow rebuilds a Record from a snapshot row.
func RecordFromRow(schema Schema, row storage.Row) (Record, error) {
	rawKey, ok := row["surrogate_key"].(float64)
	if !ok {
		return Record{}, errors.New(errors.ErrCodeSnapshotUnreadable, "Dimension row missing surrogate_key").
			WithContext("table", schema.Name)
	}

	rec := Record{
		SurrogateKey: int64(rawKey),
		NaturalKey:   normalizeValue(row["natural_key"]),
		Attributes:   make(map[string]string),
	}
	if rec.NaturalKey == "" {
		return Record{}, errors.New(errors.ErrCodeSnapshotUnreadable, "Dimension row missing natural_key").
			WithContext("table", schema.Name)
	}

	var err error
	if rec.ValidFrom, err = parseDate(row["valid_from"]); err != nil {
		return Record{}, errors.Wrap(err, errors.ErrCodeSnapshotUnreadable, "Dimension row has bad valid_from")
	}
	if rec.ValidTo, err = parseDate(row["valid_to"]); err != nil {
		return Record{}, errors.Wrap(err, errors.ErrCodeSnapshotUnreadable, "Dimension row has bad valid_to")
	}
	if current, ok := row["is_current"].(bool); ok {
		rec.IsCurrent = current
	}
	if raw, ok := row["ingested_at"].(string); ok {
		rec.IngestedAt, _ = time.Parse(time.RFC3339, raw)
	}

	for field, value := range row {
		if reservedFields[field] {
			continue
		}
		rec.Attributes[field] = normalizeValue(value)
	}
	return rec, nil
}

func parseDate(v interface{}) (time.Time, error) {
	s := normalizeValue(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(DateFormat, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(24 * time.Hour), nil
}
