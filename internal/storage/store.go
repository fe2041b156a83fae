package storage

import (
	"context"
	"fmt"
	"time"
)

// Layer names the lake layers used in object key prefixes.
const (
	LayerBronze = "bronze"
	LayerSilver = "silver"
	LayerGold   = "gold"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the durable blob store holding source snapshots and table
// outputs under hierarchical key prefixes. Tables are whole-object
// replacements per merge pass, never row-level updates, so the interface
// works in whole payloads.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Locator is implemented by stores whose objects the analytic engine can
// address directly by URI (a filesystem path or an s3:// location).
type Locator interface {
	Location(key string) string
}

// TableKey returns the canonical object key for a table snapshot.
func TableKey(layer, table string) string {
	return fmt.Sprintf("%s/%s/snapshot.jsonl", layer, table)
}

// notFoundError marks an object-absence error so callers can distinguish
// first-run bootstrap from infrastructure failure.
type notFoundError struct {
	key string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("object not found: %s", e.key)
}

// NewNotFound creates an object-absence error for key.
func NewNotFound(key string) error {
	return &notFoundError{key: key}
}

// IsNotFound reports whether err indicates a missing object. Absence is a
// normal path: missing dimensions bootstrap empty, missing sources no-op.
func IsNotFound(err error) bool {
	for err != nil {
		if _, ok := err.(*notFoundError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
