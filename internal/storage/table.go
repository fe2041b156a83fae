package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"

	"civiclake/pkg/errors"
)

// Row is one untyped table row as read from a JSONL snapshot. Typed
// conversion happens at the dimension package's validation boundary.
type Row = map[string]interface{}

const contentTypeJSONL = "application/x-ndjson"

// ReadRows loads a whole table snapshot. Absence propagates as a not-found
// error for the caller's bootstrap handling.
func ReadRows(ctx context.Context, store ObjectStore, key string) ([]Row, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var rows []Row
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeObjectCorrupted, "Failed to decode table row").
				WithContext("object_key", key).
				WithContext("line", line)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeObjectCorrupted, "Failed to scan table snapshot").
			WithContext("object_key", key)
	}
	return rows, nil
}

// WriteRows replaces a table snapshot wholesale. Row maps marshal with
// sorted keys, so identical input produces byte-identical output.
func WriteRows(ctx context.Context, store ObjectStore, key string, rows []Row) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return errors.Wrap(err, errors.ErrCodeObjectWriteFailed, "Failed to encode table row").
				WithContext("object_key", key)
		}
	}
	return store.Put(ctx, key, buf.Bytes(), contentTypeJSONL)
}
