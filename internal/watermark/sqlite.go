package watermark

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"civiclake/pkg/errors"
)

// SQLiteStore implements Store on a local sqlite keystore. The table is
// keyed by (table_name, watermark_type) and rows are overwritten in place.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS watermarks (
	table_name TEXT NOT NULL,
	watermark_type TEXT NOT NULL,
	last_processed_value TEXT NOT NULL,
	last_processed_timestamp TEXT NOT NULL,
	last_run_status TEXT NOT NULL,
	rows_processed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_name, watermark_type)
)`

// OpenSQLite opens (creating if needed) the watermark keystore at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeWatermarkKeystore, "Failed to open watermark keystore").
			WithContext("path", path)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeWatermarkKeystore, "Failed to initialize watermark keystore").
			WithContext("path", path)
	}

	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing database handle. Used by tests.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the last processed value for (table, kind), or Epoch with a
// nil error when no row exists.
func (s *SQLiteStore) Get(ctx context.Context, table, kind string) (time.Time, error) {
	query := `SELECT last_processed_value FROM watermarks
		WHERE table_name = ? AND watermark_type = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, query, table, kind).Scan(&raw)
	if err == sql.ErrNoRows {
		return Epoch, nil
	}
	if err != nil {
		return Epoch, errors.Wrap(err, errors.ErrCodeWatermarkRead, "Failed to read watermark").
			WithContext("table", table).
			WithContext("watermark_type", kind)
	}

	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// A corrupt value degrades to the sentinel; reprocessing is safe.
		return Epoch, nil
	}
	return value, nil
}

// Put overwrites the record for (table, kind) with the new value, the
// current timestamp, and a success status.
func (s *SQLiteStore) Put(ctx context.Context, table, kind string, value time.Time, rowsProcessed int64) error {
	query := `INSERT INTO watermarks
		(table_name, watermark_type, last_processed_value, last_processed_timestamp, last_run_status, rows_processed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, watermark_type) DO UPDATE SET
			last_processed_value = excluded.last_processed_value,
			last_processed_timestamp = excluded.last_processed_timestamp,
			last_run_status = excluded.last_run_status,
			rows_processed = excluded.rows_processed`

	_, err := s.db.ExecContext(ctx, query,
		table,
		kind,
		value.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		StatusSuccess,
		rowsProcessed,
	)
	if err != nil {
		return errors.WatermarkWriteError(table, kind, err)
	}
	return nil
}

// List returns all watermark records ordered by table then type.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	query := `SELECT table_name, watermark_type, last_processed_value,
		last_processed_timestamp, last_run_status, rows_processed
		FROM watermarks ORDER BY table_name, watermark_type`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeWatermarkRead, "Failed to list watermarks")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var value, stamped string
		if err := rows.Scan(&rec.TableName, &rec.WatermarkType, &value, &stamped, &rec.LastRunStatus, &rec.RowsProcessed); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeWatermarkRead, "Failed to scan watermark row")
		}
		rec.LastProcessedValue, _ = time.Parse(time.RFC3339, value)
		rec.LastProcessedAt, _ = time.Parse(time.RFC3339, stamped)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes the record for (table, kind). Missing rows are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, table, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM watermarks WHERE table_name = ? AND watermark_type = ?`, table, kind)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeWatermarkWrite, "Failed to delete watermark").
			WithContext("table", table).
			WithContext("watermark_type", kind)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
