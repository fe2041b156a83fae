package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"civiclake/internal/storage"
	"civiclake/pkg/errors"
)

// S3Config points DuckDB's httpfs at the object store when gold tables live
// in MinIO/S3 instead of on the local filesystem.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Engine runs gold aggregate SQL on an in-process DuckDB connection. The
// connection initializes lazily on first use and tears down on Close; a
// fresh connection recomputes the same result, so nothing depends on a
// warm one.
type Engine struct {
	mu sync.Mutex
	db *sql.DB
	s3 *S3Config
}

// NewEngine creates an engine; the connection opens on first Run.
func NewEngine(s3 *S3Config) *Engine {
	return &Engine{s3: s3}
}

func (e *Engine) conn(ctx context.Context) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		return e.db, nil
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeEngineInit, "Failed to open analytic engine")
	}

	if e.s3 != nil {
		if err := e.configureS3(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	e.db = db
	return db, nil
}

func (e *Engine) configureS3(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{"INSTALL httpfs", "LOAD httpfs"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrCodeEngineInit, "Failed to load httpfs extension")
		}
	}

	settings := []string{
		fmt.Sprintf("SET s3_endpoint='%s'", e.s3.Endpoint),
		fmt.Sprintf("SET s3_access_key_id='%s'", e.s3.AccessKey),
		fmt.Sprintf("SET s3_secret_access_key='%s'", e.s3.SecretKey),
		fmt.Sprintf("SET s3_use_ssl=%t", e.s3.UseSSL),
		"SET s3_url_style='path'",
	}
	if e.s3.Region != "" {
		settings = append(settings, fmt.Sprintf("SET s3_region='%s'", e.s3.Region))
	}
	for _, stmt := range settings {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrCodeEngineInit, "Failed to configure S3 access")
		}
	}
	return nil
}

// Run executes one aggregate query. views maps table names referenced by
// the query to JSONL locations (local paths or s3:// URLs); each becomes a
// view over read_json_auto before the query runs.
func (e *Engine) Run(ctx context.Context, views map[string]string, query string) ([]storage.Row, error) {
	db, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}

	for name, location := range views {
		stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_json_auto('%s')",
			quoteIdent(name), escapeLiteral(location))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeAggregateSQL, "Failed to register table view").
				WithContext("view", name).
				WithContext("location", location)
		}
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAggregateSQL, "Aggregate query failed").
			WithContext("query", query)
	}
	defer rows.Close()

	return scanRows(rows)
}

// Close tears down the cached connection. Safe to call without a prior Run.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func scanRows(rows *sql.Rows) ([]storage.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAggregateSQL, "Failed to read result columns")
	}

	var out []storage.Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeAggregateSQL, "Failed to scan result row")
		}

		row := make(storage.Row, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
