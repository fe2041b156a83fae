package watermark

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[[2]string]Record

	// FailPuts makes every Put fail; used to exercise the
	// write-failure-is-fatal-for-advancement path.
	FailPuts error
	// FailGets makes every Get fail; callers must degrade to Epoch.
	FailGets error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[[2]string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, table, kind string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailGets != nil {
		return Epoch, s.FailGets
	}
	rec, ok := s.records[[2]string{table, kind}]
	if !ok {
		return Epoch, nil
	}
	return rec.LastProcessedValue, nil
}

func (s *MemoryStore) Put(ctx context.Context, table, kind string, value time.Time, rowsProcessed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPuts != nil {
		return s.FailPuts
	}
	s.records[[2]string{table, kind}] = Record{
		TableName:          table,
		WatermarkType:      kind,
		LastProcessedValue: value,
		LastProcessedAt:    time.Now().UTC(),
		LastRunStatus:      StatusSuccess,
		RowsProcessed:      rowsProcessed,
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].TableName != records[j].TableName {
			return records[i].TableName < records[j].TableName
		}
		return records[i].WatermarkType < records[j].WatermarkType
	})
	return records, nil
}

func (s *MemoryStore) Delete(ctx context.Context, table, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, [2]string{table, kind})
	return nil
}
