package queue

import (
	"context"
	"sync"

	"civiclake/pkg/errors"
)

// DefaultMaxConcurrency is the fan-out ceiling. Back-pressure is by
// construction: no more than this many items are ever in flight, regardless
// of batch size.
const DefaultMaxConcurrency = 10

// Memory is a channel-backed in-process queue. It fills the work-queue
// interface boundary for an embedded batch run; a brokered implementation
// would satisfy the same contract.
type Memory struct {
	maxConcurrency int
	maxAttempts    int

	mu       sync.Mutex
	inFlight int
	peak     int
}

// NewMemory creates a queue with the given fan-out ceiling; zero or
// negative means DefaultMaxConcurrency.
func NewMemory(maxConcurrency, maxAttempts int) *Memory {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Memory{maxConcurrency: maxConcurrency, maxAttempts: maxAttempts}
}

// SubmitBatch processes all items with bounded concurrency. One item's
// failure never aborts its siblings; the batch result carries per-item
// outcomes so callers retry only what failed.
func (q *Memory) SubmitBatch(ctx context.Context, items []Item, handler Handler) (*BatchResult, error) {
	if handler == nil {
		return nil, errors.New(errors.ErrCodeInternal, "Queue handler is required")
	}

	type outcome struct {
		item Item
		err  error
	}

	sem := make(chan struct{}, q.maxConcurrency)
	outcomes := make([]outcome, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			outcomes[i] = outcome{item: item, err: err}
			continue
		}
		select {
		case <-ctx.Done():
			outcomes[i] = outcome{item: item, err: ctx.Err()}
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()
			defer func() { <-sem }()

			q.enter()
			defer q.leave()

			var err error
			for attempt := 0; attempt < q.maxAttempts; attempt++ {
				item.Attempts = attempt + 1
				if err = handler(ctx, item); err == nil {
					break
				}
				if ctx.Err() != nil {
					break
				}
			}
			outcomes[i] = outcome{item: item, err: err}
		}(i, item)
	}
	wg.Wait()

	result := &BatchResult{}
	for _, o := range outcomes {
		if o.err != nil {
			result.Failed = append(result.Failed, FailedItem{Item: o.item, Err: o.err})
		} else {
			result.Succeeded = append(result.Succeeded, o.item.ID)
		}
	}
	return result, nil
}

func (q *Memory) enter() {
	q.mu.Lock()
	q.inFlight++
	if q.inFlight > q.peak {
		q.peak = q.inFlight
	}
	q.mu.Unlock()
}

func (q *Memory) leave() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
}

// PeakInFlight returns the maximum observed concurrency. Tests assert it
// never exceeds the configured ceiling.
func (q *Memory) PeakInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}
