package watermark

import (
	"context"
	"time"
)

// Epoch is the sentinel returned when no watermark exists for a
// (table, kind) pair. A run bounded by Epoch reprocesses everything.
var Epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// StatusSuccess is the only status ever persisted; a run that fails
// quality never writes a watermark at all.
const StatusSuccess = "success"

// Record is the persisted state for one (table, watermark-type) pair.
type Record struct {
	TableName          string    `json:"table_name"`
	WatermarkType      string    `json:"watermark_type"`
	LastProcessedValue time.Time `json:"last_processed_value"`
	LastProcessedAt    time.Time `json:"last_processed_timestamp"`
	LastRunStatus      string    `json:"last_run_status"`
	RowsProcessed      int64     `json:"rows_processed"`
}

// Store persists watermark records between runs.
//
// Get must return Epoch with a nil error when no record exists; only an
// infrastructure failure returns an error, and callers are expected to
// degrade that to Epoch via Resolve rather than block the pipeline.
// Put is an idempotent overwrite and records the write timestamp and a
// status of "success". A Put failure is fatal for watermark advancement
// only; previously committed tables stay committed.
type Store interface {
	Get(ctx context.Context, table, kind string) (time.Time, error)
	Put(ctx context.Context, table, kind string, value time.Time, rowsProcessed int64) error
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, table, kind string) error
}

// Resolve reads a watermark, degrading any read failure to the Epoch
// sentinel. Reprocessing a window is always preferred over blocking a run
// on keystore availability.
func Resolve(ctx context.Context, s Store, table, kind string) time.Time {
	v, err := s.Get(ctx, table, kind)
	if err != nil {
		return Epoch
	}
	if v.IsZero() {
		return Epoch
	}
	return v
}
