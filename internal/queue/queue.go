package queue

import (
	"context"

	"civiclake/internal/storage"
)

// Item is one unit of per-document work, typically a single disclosure
// filing to extract. Items are independent and idempotent: retrying one has
// no effect on its siblings.
type Item struct {
	ID       string
	Key      string // object key of the source document
	Payload  storage.Row
	Attempts int
}

// FailedItem pairs an item with its terminal error for individual retry.
type FailedItem struct {
	Item Item
	Err  error
}

// BatchResult reports a batch with partial-batch-failure acknowledgment:
// succeeded items are acknowledged and never resubmitted, failed items are
// returned for individual retry.
type BatchResult struct {
	Succeeded []string
	Failed    []FailedItem
}

// Handler processes one item.
type Handler func(ctx context.Context, item Item) error

// Queue accepts batches of independent items for bounded-concurrency
// processing.
type Queue interface {
	SubmitBatch(ctx context.Context, items []Item, handler Handler) (*BatchResult, error)
}
